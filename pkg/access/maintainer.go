package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openshelf/openshelf/pkg/observability"
)

// Invalidator drops cached computed-access entries for a tenant after the
// materialized table changed.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID int64)
}

// Maintainer recomputes the materialized computed-access table for a scope.
//
// Recomputations for the same tenant are serialized on a per-tenant lock;
// two concurrent triggers with overlapping scopes (a subscription edit and a
// book import, say) would otherwise race to produce inconsistent diffs.
type Maintainer struct {
	store       Store
	logger      *observability.Logger
	metrics     *observability.Metrics
	invalidator Invalidator

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewMaintainer creates a new Maintainer. metrics and invalidator may be nil.
func NewMaintainer(store Store, logger *observability.Logger, metrics *observability.Metrics, invalidator Invalidator) *Maintainer {
	return &Maintainer{
		store:       store,
		logger:      logger,
		metrics:     metrics,
		invalidator: invalidator,
		locks:       make(map[int64]*sync.Mutex),
	}
}

func (m *Maintainer) tenantLock(tenantID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[tenantID] = lock
	}
	return lock
}

// Recompute rebuilds the computed-access rows for a scope and applies the
// diff against the materialized table. Returns the number of changes
// applied; zero means the table was already consistent.
//
// The whole diff is computed before anything is written. On any failure the
// materialized table is left untouched and the scope stays stale until the
// next trigger or a reconciliation sweep.
func (m *Maintainer) Recompute(ctx context.Context, scope Scope, trigger string) (int, error) {
	lock := m.tenantLock(scope.TenantID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	changes, err := m.recomputeLocked(ctx, scope)

	if m.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.AccessRecomputeTotal.WithLabelValues(trigger, status).Inc()
		m.metrics.AccessRecomputeDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			m.metrics.AccessDiffSize.Observe(float64(changes))
		}
	}

	if err != nil {
		m.logger.WithError(err).
			WithField("scope", scope.String()).
			WithField("trigger", trigger).
			Error("access recomputation failed, scope left stale")
		return 0, err
	}

	if changes > 0 && m.invalidator != nil {
		m.invalidator.Invalidate(ctx, scope.TenantID)
	}

	m.logger.WithFields(map[string]interface{}{
		"scope":   scope.String(),
		"trigger": trigger,
		"changes": changes,
	}).Debug("access recomputation complete")

	return changes, nil
}

func (m *Maintainer) recomputeLocked(ctx context.Context, scope Scope) (int, error) {
	sources, err := m.store.LoadSources(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("load sources: %w", err)
	}

	current, err := m.store.LoadComputed(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("load computed: %w", err)
	}

	changes := Diff(Compile(sources), current)
	if len(changes) == 0 {
		return 0, nil
	}

	if err := m.store.ApplyChanges(ctx, changes); err != nil {
		return 0, fmt.Errorf("apply diff: %w", err)
	}
	return len(changes), nil
}
