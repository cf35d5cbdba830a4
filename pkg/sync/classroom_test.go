package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func creatorMember(userID int64) *MemberFragment {
	return &MemberFragment{
		UserID:    userID,
		Role:      roleptr(RoleInstructor),
		UpdatedAt: testNow - 5,
	}
}

func TestValidateClassroomCreate(t *testing.T) {
	t.Run("instructor creates a classroom with themselves as instructor", func(t *testing.T) {
		st := newState()
		res, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:        "room-1",
			Name:       strptr("Period 3"),
			AccessCode: strptr("join-me"),
			UpdatedAt:  testNow - 5,
			Members:    []*MemberFragment{creatorMember(100)},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{OpInsert, OpInsert}, mutationOps(res))

		// The new row is visible to later fragments in the same batch.
		assert.NotNil(t, st.Classrooms["room-1"])
		assert.Equal(t, "room-1", st.CodeOwners["join-me"])
		assert.NotNil(t, st.Members[MemberKey("room-1", 100)])
	})

	t.Run("base tier cannot create", func(t *testing.T) {
		_, err := validateClassroom(newState(), studentCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("Period 3"),
			UpdatedAt: testNow - 5,
			Members:   []*MemberFragment{creatorMember(100)},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyClassrooms, verr.Family)
	})

	t.Run("creator must appear as an instructor member", func(t *testing.T) {
		_, err := validateClassroom(newState(), instructorCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("Period 3"),
			UpdatedAt: testNow - 5,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "creator")
	})

	t.Run("code collision is a hard error", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "other-room")
		_, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:        "room-1",
			Name:       strptr("Period 3"),
			AccessCode: strptr("join-other-room"),
			UpdatedAt:  testNow - 5,
			Members:    []*MemberFragment{creatorMember(100)},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already in use")
	})

	t.Run("delete of an unknown classroom is a no-op", func(t *testing.T) {
		res, err := validateClassroom(newState(), instructorCaller(), &ClassroomFragment{
			UID:       "ghost",
			Delete:    true,
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Mutations)
	})
}

func TestValidateClassroomUpdate(t *testing.T) {
	t.Run("instructor member edits the record", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")
		seedMember(st, "room-1", 100, RoleInstructor)

		res, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("Period 4"),
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Contains(t, res.Mutations[0].SQL, "name")
	})

	t.Run("non-member cannot edit", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")

		_, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("Hijacked"),
			UpdatedAt: testNow - 5,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "instructor membership")
	})

	t.Run("student member cannot edit", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")
		seedMember(st, "room-1", 100, RoleStudent)

		_, err := validateClassroom(st, studentCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("Hijacked"),
			UpdatedAt: testNow - 5,
		})
		require.Error(t, err)
	})

	t.Run("the default classroom record is frozen", func(t *testing.T) {
		st := newState()
		seedDefaultClassroom(st)

		_, err := validateClassroom(st, adminCaller(), &ClassroomFragment{
			UID:       "default-room",
			Name:      strptr("renamed"),
			UpdatedAt: testNow - 5,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default classroom")
	})

	t.Run("code collision beats staleness", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")
		seedClassroom(st, "room-2")
		seedMember(st, "room-1", 100, RoleInstructor)
		st.Classrooms["room-1"].UpdatedAt = testNow - 1

		// Older than the stored row AND colliding; the collision wins.
		_, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:        "room-1",
			AccessCode: strptr("join-room-2"),
			UpdatedAt:  testNow - 100,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already in use")
	})

	t.Run("stale record edit skips but nested members still apply", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")
		seedMember(st, "room-1", 100, RoleInstructor)
		st.Classrooms["room-1"].UpdatedAt = testNow - 1

		res, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("old rename"),
			UpdatedAt: testNow - 100,
			Members: []*MemberFragment{{
				UserID:    300,
				Role:      roleptr(RoleStudent),
				UpdatedAt: testNow - 5,
			}},
		})
		require.NoError(t, err)
		assert.True(t, res.Stale)
		assert.Equal(t, []string{OpInsert}, mutationOps(res))
	})

	t.Run("delete soft-deletes the row", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")
		seedMember(st, "room-1", 100, RoleInstructor)

		res, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:       "room-1",
			Delete:    true,
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{OpSoftDelete}, mutationOps(res))
	})

	t.Run("editing a soft-deleted classroom restores it", func(t *testing.T) {
		st := newState()
		room := seedClassroom(st, "room-1")
		room.DeletedAt = testPast
		seedMember(st, "room-1", 100, RoleInstructor)

		res, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("back"),
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Contains(t, res.Mutations[0].SQL, "deleted_at")
	})
}

func TestValidateClassroomPublisher(t *testing.T) {
	t.Run("publisher may not touch a regular classroom", func(t *testing.T) {
		st := newState()
		seedClassroom(st, "room-1")

		_, err := validateClassroom(st, publisherCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("renamed"),
			UpdatedAt: testNow - 5,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default classroom")
	})

	t.Run("publisher may not create", func(t *testing.T) {
		_, err := validateClassroom(newState(), publisherCaller(), &ClassroomFragment{
			UID:       "room-1",
			Name:      strptr("new"),
			UpdatedAt: testNow - 5,
			Members:   []*MemberFragment{creatorMember(100)},
		})
		require.Error(t, err)
	})

	t.Run("publisher edits default classroom tools", func(t *testing.T) {
		st := newState()
		seedDefaultClassroom(st)

		res, err := validateClassroom(st, publisherCaller(), &ClassroomFragment{
			UID:       "default-room",
			UpdatedAt: testNow - 5,
			Tools: []*ToolFragment{{
				UID:       "tool-1",
				Kind:      kindptr(ToolQuiz),
				Title:     strptr("Publisher quiz"),
				UpdatedAt: testNow - 5,
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{OpInsert}, mutationOps(res))
	})

	t.Run("publisher may not edit default classroom members", func(t *testing.T) {
		st := newState()
		seedDefaultClassroom(st)

		_, err := validateClassroom(st, publisherCaller(), &ClassroomFragment{
			UID:       "default-room",
			UpdatedAt: testNow - 5,
			Members: []*MemberFragment{{
				UserID:    300,
				UpdatedAt: testNow - 5,
			}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tools")
	})

	t.Run("instructor may not edit default classroom tools", func(t *testing.T) {
		st := newState()
		seedDefaultClassroom(st)

		_, err := validateClassroom(st, instructorCaller(), &ClassroomFragment{
			UID:       "default-room",
			UpdatedAt: testNow - 5,
			Tools: []*ToolFragment{{
				UID:       "tool-1",
				Kind:      kindptr(ToolQuiz),
				Title:     strptr("Rogue quiz"),
				UpdatedAt: testNow - 5,
			}},
		})
		require.Error(t, err)
	})
}
