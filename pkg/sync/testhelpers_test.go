package sync

import (
	"github.com/openshelf/openshelf/pkg/access"
)

// Fixture timestamps. The server clock sits at testNow; stored rows default
// to testPast so fresh submissions at testNow-ish win.
const (
	testNow  int64 = 1_700_000_000_000
	testPast int64 = 1_600_000_000_000
)

func newState() *BatchState {
	return &BatchState{
		Now:                  testNow,
		TenantID:             1,
		BookID:               10,
		UserID:               100,
		Highlights:           make(map[string]*Highlight),
		Classrooms:           make(map[string]*Classroom),
		Members:              make(map[string]*ClassroomMember),
		Tools:                make(map[string]*Tool),
		Engagements:          make(map[string]*ToolEngagement),
		ScheduleDates:        make(map[string]*ScheduleDate),
		InstructorHighlights: make(map[string]*InstructorHighlight),
		CodeOwners:           make(map[string]string),
	}
}

func studentCaller() Caller {
	return Caller{UserID: 100, TenantID: 1, Tier: access.TierBase}
}

func instructorCaller() Caller {
	return Caller{UserID: 100, TenantID: 1, Tier: access.TierInstructor}
}

func publisherCaller() Caller {
	return Caller{UserID: 100, TenantID: 1, Tier: access.TierPublisher}
}

func adminCaller() Caller {
	return Caller{UserID: 999, TenantID: 1, IsAdmin: true}
}

// seedClassroom registers a stored classroom plus its codes
func seedClassroom(st *BatchState, uid string) *Classroom {
	room := &Classroom{
		UID:                  uid,
		TenantID:             st.TenantID,
		BookID:               st.BookID,
		Name:                 "Period 3",
		AccessCode:           "join-" + uid,
		InstructorAccessCode: "teach-" + uid,
		CreatedBy:            200,
		UpdatedAt:            testPast,
	}
	st.Classrooms[uid] = room
	st.CodeOwners[room.AccessCode] = uid
	st.CodeOwners[room.InstructorAccessCode] = uid
	return room
}

// seedDefaultClassroom registers the per-book default classroom
func seedDefaultClassroom(st *BatchState) *Classroom {
	room := &Classroom{
		UID:       "default-room",
		TenantID:  st.TenantID,
		BookID:    st.BookID,
		Name:      "Everyone",
		IsDefault: true,
		UpdatedAt: testPast,
	}
	st.Classrooms[room.UID] = room
	st.DefaultClassroomUID = room.UID
	return room
}

// seedMember registers a live membership
func seedMember(st *BatchState, classroomUID string, userID int64, role MemberRole) *ClassroomMember {
	m := &ClassroomMember{
		ClassroomUID: classroomUID,
		UserID:       userID,
		Role:         role,
		UpdatedAt:    testPast,
	}
	st.Members[MemberKey(classroomUID, userID)] = m
	return m
}

// seedTool registers a stored tool
func seedTool(st *BatchState, classroomUID, uid string, publishedAt int64) *Tool {
	t := &Tool{
		UID:          uid,
		ClassroomUID: classroomUID,
		Kind:         ToolQuiz,
		Title:        "Chapter quiz",
		Content:      `{"questions":[]}`,
		PublishedAt:  publishedAt,
		UpdatedAt:    testPast,
	}
	st.Tools[uid] = t
	return t
}

func strptr(s string) *string       { return &s }
func i64ptr(v int64) *int64         { return &v }
func intptr(v int) *int             { return &v }
func roleptr(r MemberRole) *MemberRole { return &r }
func kindptr(k ToolKind) *ToolKind  { return &k }

// mutationOps projects a result's staged mutations to their ops
func mutationOps(res Result) []string {
	ops := make([]string, 0, len(res.Mutations))
	for _, m := range res.Mutations {
		ops = append(ops, m.Op)
	}
	return ops
}
