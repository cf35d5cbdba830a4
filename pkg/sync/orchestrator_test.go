package sync

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshelf/openshelf/pkg/access"
	"github.com/openshelf/openshelf/pkg/auth"
	"github.com/openshelf/openshelf/pkg/observability"
)

type mockStore struct {
	readBatchFn func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error)
	executeFn   func(ctx context.Context, mutations []Mutation) (int, error)

	executed []Mutation
}

func (m *mockStore) ReadBatch(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
	return m.readBatchFn(ctx, tenantID, bookID, userID, doc)
}

func (m *mockStore) Execute(ctx context.Context, mutations []Mutation) (int, error) {
	m.executed = mutations
	if m.executeFn != nil {
		return m.executeFn(ctx, mutations)
	}
	return len(mutations), nil
}

type mockAccessReader struct {
	getFn func(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error)
}

func (m *mockAccessReader) Get(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error) {
	return m.getFn(ctx, tenantID, bookID, userID)
}

func grantedReader(tier access.Tier) *mockAccessReader {
	return &mockAccessReader{
		getFn: func(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error) {
			return &access.Computed{
				Key:  access.Key{TenantID: tenantID, BookID: bookID, UserID: userID},
				Tier: tier,
			}, nil
		},
	}
}

func newTestOrchestrator(store Store, reader access.Reader) *Orchestrator {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	o := NewOrchestrator(store, reader, logger, metrics)
	o.now = func() int64 { return testNow }
	return o
}

func freshStore() *mockStore {
	return &mockStore{
		readBatchFn: func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			st := newState()
			st.TenantID = tenantID
			st.BookID = bookID
			st.UserID = userID
			return st, nil
		},
	}
}

var testIdentity = &auth.Identity{UserID: 100, TenantID: 1}

func TestOrchestratorApply(t *testing.T) {
	t.Run("valid patch applies", func(t *testing.T) {
		store := freshStore()
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{
			"updated_at": 1699999990000,
			"latest_location": {"spine_id_ref": "ch2", "cfi": "/4"},
			"highlights": [{"spine_id_ref": "ch2", "cfi": "/4/1", "color": "yellow", "updated_at": 1699999990000}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, out.Status)
		assert.Equal(t, 2, out.Applied)
		assert.Len(t, store.executed, 2)
	})

	t.Run("stale entities downgrade to partial", func(t *testing.T) {
		store := freshStore()
		store.readBatchFn = func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			st := newState()
			st.Location = &LatestLocation{UserID: userID, BookID: bookID, SpineIDRef: "ch9", CFI: "/9", UpdatedAt: testNow - 1}
			return st, nil
		}
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{
			"updated_at": 1600000000000,
			"latest_location": {"spine_id_ref": "ch2", "cfi": "/4"},
			"highlights": [{"spine_id_ref": "ch2", "cfi": "/4/1", "updated_at": 1699999990000}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, out.Status)
		assert.Equal(t, 1, out.Applied)
	})

	t.Run("annotated deletes soft-delete, bare deletes remove", func(t *testing.T) {
		store := freshStore()
		store.readBatchFn = func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			st := newState()
			st.Highlights[HighlightKey("ch1", "/2/1")] = &Highlight{
				ID: 1, UserID: userID, BookID: bookID,
				SpineIDRef: "ch1", CFI: "/2/1", Note: "key passage", UpdatedAt: testPast,
			}
			st.Highlights[HighlightKey("ch1", "/2/2")] = &Highlight{
				ID: 2, UserID: userID, BookID: bookID,
				SpineIDRef: "ch1", CFI: "/2/2", UpdatedAt: testPast,
			}
			return st, nil
		}
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{
			"highlights": [
				{"spine_id_ref": "ch1", "cfi": "/2/1", "updated_at": 1699999990000, "_delete": true},
				{"spine_id_ref": "ch1", "cfi": "/2/2", "updated_at": 1699999990000, "_delete": true}
			]
		}`))
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, out.Status)
		assert.Equal(t, 2, out.Applied)
		require.Len(t, store.executed, 2)
		assert.Equal(t, OpSoftDelete, store.executed[0].Op)
		assert.Equal(t, OpHardDelete, store.executed[1].Op)
	})

	t.Run("a byte-identical resubmission downgrades to partial", func(t *testing.T) {
		state := func() *BatchState {
			st := newState()
			seedClassroom(st, "room-1")
			seedMember(st, "room-1", 100, RoleStudent)
			seedTool(st, "room-1", "tool-1", testPast)
			return st
		}
		body := []byte(`{
			"classrooms": [{"uid": "room-1", "updated_at": 1699999990000,
				"tools": [{"uid": "tool-1", "updated_at": 1699999990000,
					"engagements": [{"uid": "sub-1", "answers": ["4"], "updated_at": 1699999990000}]}]}]
		}`)

		first := state()
		store := freshStore()
		store.readBatchFn = func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			return first, nil
		}
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		out, err := o.Apply(context.Background(), testIdentity, 10, body)
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, out.Status)

		// The second read sees the recorded submission; the identical payload
		// must stage nothing and report partial success.
		second := state()
		second.Engagements[EngagementSubKey("sub-1")] = &ToolEngagement{
			UID: "sub-1", ToolUID: "tool-1", UserID: 100,
			Kind: EngagementSubmission, UpdatedAt: testPast,
		}
		store.readBatchFn = func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			return second, nil
		}
		store.executed = nil

		out, err = o.Apply(context.Background(), testIdentity, 10, body)
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, out.Status)
		assert.Equal(t, 0, out.Applied)
		assert.Empty(t, store.executed)
	})

	t.Run("malformed body rejects without reading state", func(t *testing.T) {
		store := freshStore()
		store.readBatchFn = func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			t.Fatal("ReadBatch must not be called for an unparseable body")
			return nil, nil
		}
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{"bookmarks": []}`))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, FamilyDocument, out.Family)
		assert.Nil(t, store.executed)
	})

	t.Run("validation failure writes nothing", func(t *testing.T) {
		store := freshStore()
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		// Creating a classroom at base tier fails validation.
		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{
			"classrooms": [{"uid": "room-1", "name": "Period 3", "updated_at": 1699999990000,
				"members": [{"user_id": 100, "role": "INSTRUCTOR", "updated_at": 1699999990000}]}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, FamilyClassrooms, out.Family)
		assert.NotEmpty(t, out.Reason)
		assert.Nil(t, store.executed)
	})

	t.Run("no access row rejects", func(t *testing.T) {
		reader := &mockAccessReader{
			getFn: func(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error) {
				return nil, access.ErrNotFound
			},
		}
		o := newTestOrchestrator(freshStore(), reader)

		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, FamilyAccess, out.Family)
	})

	t.Run("lapsed access rejects", func(t *testing.T) {
		expired := testNow - 1000
		reader := &mockAccessReader{
			getFn: func(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error) {
				return &access.Computed{Tier: access.TierBase, ExpiresAt: &expired}, nil
			},
		}
		o := newTestOrchestrator(freshStore(), reader)

		out, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, FamilyAccess, out.Family)
	})

	t.Run("admins bypass the access check", func(t *testing.T) {
		reader := &mockAccessReader{
			getFn: func(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error) {
				return nil, access.ErrNotFound
			},
		}
		o := newTestOrchestrator(freshStore(), reader)

		out, err := o.Apply(context.Background(),
			&auth.Identity{UserID: 999, TenantID: 1, IsAdmin: true}, 10, []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, StatusApplied, out.Status)
	})

	t.Run("access reader failure surfaces as an error", func(t *testing.T) {
		reader := &mockAccessReader{
			getFn: func(ctx context.Context, tenantID, bookID, userID int64) (*access.Computed, error) {
				return nil, errors.New("connection refused")
			},
		}
		o := newTestOrchestrator(freshStore(), reader)

		_, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{}`))
		require.Error(t, err)
	})

	t.Run("read failure surfaces as an error", func(t *testing.T) {
		store := freshStore()
		store.readBatchFn = func(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
			return nil, errors.New("connection refused")
		}
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		_, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading batch state")
	})

	t.Run("mid-batch execution failure surfaces as an error", func(t *testing.T) {
		store := freshStore()
		store.executeFn = func(ctx context.Context, mutations []Mutation) (int, error) {
			return 1, errors.New("deadline exceeded")
		}
		o := newTestOrchestrator(store, grantedReader(access.TierBase))

		_, err := o.Apply(context.Background(), testIdentity, 10, []byte(`{
			"highlights": [
				{"spine_id_ref": "a", "cfi": "/1", "updated_at": 1699999990000},
				{"spine_id_ref": "a", "cfi": "/2", "updated_at": 1699999990000}
			]
		}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "executing mutations")
	})
}
