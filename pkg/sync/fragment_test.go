package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	t.Run("empty document parses", func(t *testing.T) {
		doc, err := ParseDocument([]byte(`{}`))
		require.NoError(t, err)
		assert.Nil(t, doc.LatestLocation)
		assert.Empty(t, doc.Highlights)
		assert.Empty(t, doc.Classrooms)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := ParseDocument([]byte(`[1,2]`))
		require.Error(t, err)
	})

	t.Run("unknown top-level field is rejected", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"bookmarks": []}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyDocument, verr.Family)
		assert.Contains(t, verr.Reason, "bookmarks")
	})

	t.Run("location rides the document timestamp", func(t *testing.T) {
		doc, err := ParseDocument([]byte(`{
			"updated_at": 1700000000000,
			"latest_location": {"spine_id_ref": "ch3", "cfi": "/4/2"}
		}`))
		require.NoError(t, err)
		require.NotNil(t, doc.LatestLocation)
		assert.Equal(t, "ch3", *doc.LatestLocation.SpineIDRef)
		assert.Equal(t, int64(1700000000000), doc.LatestLocation.UpdatedAt)
	})

	t.Run("location without document timestamp is rejected", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"latest_location": {"spine_id_ref": "ch3", "cfi": "/4/2"}}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyLocation, verr.Family)
	})

	t.Run("unknown highlight field is rejected", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{
			"highlights": [{"spine_id_ref": "ch1", "cfi": "/2", "updated_at": 5, "colour": "red"}]
		}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyHighlights, verr.Family)
		assert.Contains(t, verr.Reason, "colour")
	})

	t.Run("highlight requires natural key", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"highlights": [{"cfi": "/2", "updated_at": 5}]}`))
		require.Error(t, err)
	})

	t.Run("delete marker must be boolean true", func(t *testing.T) {
		for _, body := range []string{
			`{"highlights": [{"spine_id_ref": "a", "cfi": "b", "updated_at": 5, "_delete": false}]}`,
			`{"highlights": [{"spine_id_ref": "a", "cfi": "b", "updated_at": 5, "_delete": "yes"}]}`,
			`{"highlights": [{"spine_id_ref": "a", "cfi": "b", "updated_at": 5, "_delete": 1}]}`,
		} {
			_, err := ParseDocument([]byte(body))
			assert.Error(t, err, body)
		}

		doc, err := ParseDocument([]byte(
			`{"highlights": [{"spine_id_ref": "a", "cfi": "b", "updated_at": 5, "_delete": true}]}`))
		require.NoError(t, err)
		assert.True(t, doc.Highlights[0].Delete)
	})

	t.Run("updated_at must be positive", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"highlights": [{"spine_id_ref": "a", "cfi": "b", "updated_at": 0}]}`))
		require.Error(t, err)
		_, err = ParseDocument([]byte(`{"highlights": [{"spine_id_ref": "a", "cfi": "b", "updated_at": -3}]}`))
		require.Error(t, err)
	})

	t.Run("classroom with nested families", func(t *testing.T) {
		doc, err := ParseDocument([]byte(`{
			"classrooms": [{
				"uid": "room-1",
				"name": "Period 3",
				"updated_at": 10,
				"members": [{"user_id": 7, "role": "STUDENT", "updated_at": 10}],
				"tools": [{
					"uid": "tool-1", "kind": "quiz", "title": "Quiz", "updated_at": 10,
					"engagements": [{"uid": "sub-1", "answers": ["a", "b"], "updated_at": 10}]
				}],
				"schedule_dates": [{"uid": "d1", "due_at": 99, "items": ["read ch1"], "updated_at": 10}],
				"instructor_highlights": [{"spine_id_ref": "ch1", "cfi": "/2", "updated_at": 10}]
			}]
		}`))
		require.NoError(t, err)
		require.Len(t, doc.Classrooms, 1)

		frag := doc.Classrooms[0]
		assert.True(t, frag.RecordEdit())
		require.Len(t, frag.Members, 1)
		assert.Equal(t, RoleStudent, *frag.Members[0].Role)
		require.Len(t, frag.Tools, 1)
		assert.Equal(t, ToolQuiz, *frag.Tools[0].Kind)
		require.Len(t, frag.Tools[0].Engagements, 1)
		assert.True(t, frag.Tools[0].Engagements[0].Submission())
		require.Len(t, frag.ScheduleDates, 1)
		assert.True(t, frag.ScheduleDates[0].HasItems)
		require.Len(t, frag.InstructorHighlights, 1)
	})

	t.Run("classroom carrying only nested families is not a record edit", func(t *testing.T) {
		doc, err := ParseDocument([]byte(`{
			"classrooms": [{
				"uid": "room-1",
				"updated_at": 10,
				"members": [{"user_id": 7, "updated_at": 10}]
			}]
		}`))
		require.NoError(t, err)
		assert.False(t, doc.Classrooms[0].RecordEdit())
	})

	t.Run("unknown member role is rejected", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{
			"classrooms": [{"uid": "r", "updated_at": 10,
				"members": [{"user_id": 7, "role": "TA", "updated_at": 10}]}]
		}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyMembers, verr.Family)
	})

	t.Run("unknown tool kind is rejected", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{
			"classrooms": [{"uid": "r", "updated_at": 10,
				"tools": [{"uid": "t", "kind": "essay", "updated_at": 10}]}]
		}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyTools, verr.Family)
	})
}

func TestClassroomFragmentRecordEdit(t *testing.T) {
	t.Run("any classroom-level field counts", func(t *testing.T) {
		for name, frag := range map[string]*ClassroomFragment{
			"name":                   {UID: "r", Name: strptr("Period 3")},
			"syllabus":               {UID: "r", Syllabus: strptr("s")},
			"introduction":           {UID: "r", Introduction: strptr("i")},
			"access_code":            {UID: "r", AccessCode: strptr("JOIN")},
			"instructor_access_code": {UID: "r", InstructorAccessCode: strptr("TEACH")},
			"lti_key":                {UID: "r", LTIKey: strptr("k")},
			"lti_secret":             {UID: "r", LTISecret: strptr("s")},
			"_delete":                {UID: "r", Delete: true},
		} {
			assert.True(t, frag.RecordEdit(), name)
		}
	})

	t.Run("nested families alone do not count", func(t *testing.T) {
		frag := &ClassroomFragment{
			UID:     "r",
			Members: []*MemberFragment{{UserID: 7, UpdatedAt: 10}},
			Tools:   []*ToolFragment{{UID: "t", UpdatedAt: 10}},
		}
		assert.False(t, frag.RecordEdit())
	})
}

func TestToolFragmentContentFields(t *testing.T) {
	frag := &ToolFragment{
		Title:       strptr("new title"),
		PublishedAt: i64ptr(5),
		Ordering:    intptr(3),
		CFI:         strptr("/4"),
	}
	assert.Equal(t, []string{"published_at", "title"}, frag.contentFields())

	assert.Empty(t, (&ToolFragment{Ordering: intptr(1)}).contentFields())
}
