package access

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCacheFixture(t *testing.T, store Store) (*CachedReader, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reader, err := NewCachedReader(store, client, 128, time.Minute, testMetrics())
	require.NoError(t, err)
	return reader, mr
}

func TestCachedReaderGet(t *testing.T) {
	row := &Computed{
		Key:  Key{TenantID: 1, BookID: 10, UserID: 100},
		Tier: TierEnhanced,
	}

	t.Run("miss loads from the store and caches", func(t *testing.T) {
		calls := 0
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				calls++
				return row, nil
			},
		}
		reader, _ := newCacheFixture(t, store)

		got, err := reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, TierEnhanced, got.Tier)

		got, err = reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, TierEnhanced, got.Tier)
		assert.Equal(t, 1, calls)
	})

	t.Run("absence is cached too", func(t *testing.T) {
		calls := 0
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				calls++
				return nil, ErrNotFound
			},
		}
		reader, _ := newCacheFixture(t, store)

		_, err := reader.Get(context.Background(), 1, 10, 100)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = reader.Get(context.Background(), 1, 10, 100)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("a purged L1 refills from redis without hitting the store", func(t *testing.T) {
		calls := 0
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				calls++
				return row, nil
			},
		}
		reader, _ := newCacheFixture(t, store)

		_, err := reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)

		reader.l1.Purge()

		got, err := reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, TierEnhanced, got.Tier)
		assert.Equal(t, 1, calls)
	})

	t.Run("works without redis", func(t *testing.T) {
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				return row, nil
			},
		}
		reader, err := NewCachedReader(store, nil, 8, time.Minute, nil)
		require.NoError(t, err)

		got, err := reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, TierEnhanced, got.Tier)
	})

	t.Run("store failures pass through uncached", func(t *testing.T) {
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				return nil, context.DeadlineExceeded
			},
		}
		reader, _ := newCacheFixture(t, store)

		_, err := reader.Get(context.Background(), 1, 10, 100)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestCachedReaderInvalidate(t *testing.T) {
	t.Run("drops the tenant's redis keys and the L1", func(t *testing.T) {
		calls := 0
		row := &Computed{Key: Key{TenantID: 1, BookID: 10, UserID: 100}, Tier: TierBase}
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				calls++
				return row, nil
			},
		}
		reader, mr := newCacheFixture(t, store)

		_, err := reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		assert.True(t, mr.Exists("access:1:10:100"))

		reader.Invalidate(context.Background(), 1)
		assert.False(t, mr.Exists("access:1:10:100"))

		_, err = reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("other tenants keep their redis entries", func(t *testing.T) {
		store := &mockAccessStore{
			getComputedFn: func(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
				return &Computed{
					Key:  Key{TenantID: tenantID, BookID: bookID, UserID: userID},
					Tier: TierBase,
				}, nil
			},
		}
		reader, mr := newCacheFixture(t, store)

		_, err := reader.Get(context.Background(), 1, 10, 100)
		require.NoError(t, err)
		_, err = reader.Get(context.Background(), 2, 10, 100)
		require.NoError(t, err)

		reader.Invalidate(context.Background(), 1)
		assert.False(t, mr.Exists("access:1:10:100"))
		assert.True(t, mr.Exists("access:2:10:100"))
	})
}
