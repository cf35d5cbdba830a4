package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLocation(t *testing.T) {
	caller := studentCaller()

	t.Run("absent fragment is a no-op", func(t *testing.T) {
		res, err := validateLocation(newState(), caller, nil)
		require.NoError(t, err)
		assert.Empty(t, res.Mutations)
	})

	t.Run("new cursor stages an upsert", func(t *testing.T) {
		st := newState()
		res, err := validateLocation(st, caller, &LocationFragment{
			SpineIDRef: strptr("ch2"),
			CFI:        strptr("/4/2"),
			UpdatedAt:  testNow - 50,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Equal(t, FamilyLocation, res.Mutations[0].Family)
		assert.False(t, res.Stale)
	})

	t.Run("missing spine_id_ref is a hard error", func(t *testing.T) {
		_, err := validateLocation(newState(), caller, &LocationFragment{
			CFI:       strptr("/4/2"),
			UpdatedAt: testNow,
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, FamilyLocation, verr.Family)
	})

	t.Run("older cursor is skipped as stale", func(t *testing.T) {
		st := newState()
		st.Location = &LatestLocation{UserID: 100, BookID: 10, SpineIDRef: "ch9", CFI: "/1", UpdatedAt: testNow - 10}

		res, err := validateLocation(st, caller, &LocationFragment{
			SpineIDRef: strptr("ch2"),
			CFI:        strptr("/4/2"),
			UpdatedAt:  testNow - 500,
		})
		require.NoError(t, err)
		assert.True(t, res.Stale)
		assert.Empty(t, res.Mutations)
	})

	t.Run("tie favors the stored row", func(t *testing.T) {
		st := newState()
		st.Location = &LatestLocation{UserID: 100, BookID: 10, SpineIDRef: "ch9", CFI: "/1", UpdatedAt: testNow - 10}

		res, err := validateLocation(st, caller, &LocationFragment{
			SpineIDRef: strptr("ch2"),
			CFI:        strptr("/4/2"),
			UpdatedAt:  testNow - 10,
		})
		require.NoError(t, err)
		assert.True(t, res.Stale)
	})

	t.Run("future timestamp is clamped to server now", func(t *testing.T) {
		st := newState()
		res, err := validateLocation(st, caller, &LocationFragment{
			SpineIDRef: strptr("ch2"),
			CFI:        strptr("/4/2"),
			UpdatedAt:  testNow + 86_400_000,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Equal(t, testNow, res.Mutations[0].Args[4])
	})
}

func TestValidateHighlight(t *testing.T) {
	caller := studentCaller()

	seed := func(st *BatchState, note string) *Highlight {
		h := &Highlight{
			ID: 1, UserID: 100, BookID: 10,
			SpineIDRef: "ch1", CFI: "/2/6",
			Color: "yellow", Note: note,
			UpdatedAt: testPast,
		}
		st.Highlights[HighlightKey(h.SpineIDRef, h.CFI)] = h
		return h
	}

	t.Run("create stages an insert", func(t *testing.T) {
		st := newState()
		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			Color:     strptr("yellow"),
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Equal(t, OpInsert, res.Mutations[0].Op)
	})

	t.Run("create in an analytics-enabled tenant stages the event too", func(t *testing.T) {
		st := newState()
		st.AnalyticsEnabled = true
		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 2)
		assert.Contains(t, res.Mutations[1].SQL, "analytics_events")
	})

	t.Run("partial update touches only submitted fields", func(t *testing.T) {
		st := newState()
		seed(st, "keep me")
		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			Color:     strptr("green"),
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		m := res.Mutations[0]
		assert.Contains(t, m.SQL, "color")
		assert.NotContains(t, m.SQL, "note")
	})

	t.Run("stale update is skipped", func(t *testing.T) {
		st := newState()
		h := seed(st, "")
		h.UpdatedAt = testNow - 1

		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			Color:     strptr("green"),
			UpdatedAt: testNow - 100,
		})
		require.NoError(t, err)
		assert.True(t, res.Stale)
		assert.Empty(t, res.Mutations)
		assert.Equal(t, map[string]int{FamilyHighlights: 1}, res.StaleFamilies)
	})

	t.Run("delete of unknown highlight is a no-op", func(t *testing.T) {
		res, err := validateHighlight(newState(), caller, &HighlightFragment{
			SpineIDRef: "nowhere", CFI: "/0",
			UpdatedAt: testNow - 5,
			Delete:    true,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Mutations)
		assert.False(t, res.Stale)
	})

	t.Run("annotated highlight soft-deletes", func(t *testing.T) {
		st := newState()
		seed(st, "important note")
		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			UpdatedAt: testNow - 5,
			Delete:    true,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Equal(t, OpSoftDelete, res.Mutations[0].Op)
	})

	t.Run("bare highlight hard-deletes", func(t *testing.T) {
		st := newState()
		seed(st, "")
		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			UpdatedAt: testNow - 5,
			Delete:    true,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Equal(t, OpHardDelete, res.Mutations[0].Op)
	})

	t.Run("update of a soft-deleted highlight restores it", func(t *testing.T) {
		st := newState()
		h := seed(st, "note")
		h.DeletedAt = testPast

		res, err := validateHighlight(st, caller, &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			Note:      strptr("back again"),
			UpdatedAt: testNow - 5,
		})
		require.NoError(t, err)
		require.Len(t, res.Mutations, 1)
		assert.Contains(t, res.Mutations[0].SQL, "deleted_at")
	})

	t.Run("replaying the same batch stages identical writes", func(t *testing.T) {
		frag := &HighlightFragment{
			SpineIDRef: "ch1", CFI: "/2/6",
			Color:     strptr("blue"),
			UpdatedAt: testNow - 5,
		}

		first, err := validateHighlight(newState(), caller, frag)
		require.NoError(t, err)
		second, err := validateHighlight(newState(), caller, frag)
		require.NoError(t, err)
		assert.Equal(t, first.Mutations, second.Mutations)
	})
}
