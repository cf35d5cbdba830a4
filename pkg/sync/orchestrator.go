package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openshelf/openshelf/pkg/access"
	"github.com/openshelf/openshelf/pkg/auth"
	"github.com/openshelf/openshelf/pkg/observability"
)

// Store is the persistence boundary of the patch engine. ReadBatch loads
// everything the validators will look at in one scoped pass; Execute runs
// the staged mutations sequentially, in order.
type Store interface {
	ReadBatch(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error)
	Execute(ctx context.Context, mutations []Mutation) (int, error)
}

// Status is the overall outcome of one patch submission
type Status string

const (
	// StatusApplied means every submitted entity resolved and all staged
	// mutations ran.
	StatusApplied Status = "applied"
	// StatusPartial means the batch applied but at least one entity was
	// skipped as stale; the client should re-pull.
	StatusPartial Status = "partial"
	// StatusRejected means validation failed and nothing was written.
	StatusRejected Status = "rejected"
	// StatusFailed means an infrastructure error interrupted processing.
	StatusFailed Status = "failed"
)

// Outcome describes how a patch submission resolved
type Outcome struct {
	Status  Status
	Family  string // set on rejection
	Reason  string // set on rejection
	Applied int    // mutations executed
}

// Orchestrator runs the patch pipeline: parse, authorize, batch-read,
// validate, execute. Validation is pure; no write happens until every
// validator has passed.
type Orchestrator struct {
	store   Store
	access  access.Reader
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() int64
}

// NewOrchestrator creates a patch orchestrator
func NewOrchestrator(store Store, reader access.Reader, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		access:  reader,
		logger:  logger,
		metrics: metrics,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Apply processes one patch submission for (identity, bookID). A returned
// error means infrastructure failure; every validation-level failure comes
// back inside the Outcome.
func (o *Orchestrator) Apply(ctx context.Context, identity *auth.Identity, bookID int64, body []byte) (*Outcome, error) {
	log := o.logger.WithFields(map[string]interface{}{
		"tenant_id": identity.TenantID,
		"user_id":   identity.UserID,
		"book_id":   bookID,
	})

	doc, err := ParseDocument(body)
	if err != nil {
		return o.reject(log, err)
	}

	caller := Caller{
		UserID:   identity.UserID,
		TenantID: identity.TenantID,
		IsAdmin:  identity.IsAdmin,
	}
	caller.Tier, err = o.resolveTier(ctx, identity, bookID)
	if err != nil {
		return nil, err
	}
	if caller.Tier == 0 && !caller.IsAdmin {
		return o.reject(log, Errorf(FamilyAccess, "no access to this book"))
	}

	readStart := time.Now()
	st, err := o.store.ReadBatch(ctx, identity.TenantID, bookID, identity.UserID, doc)
	if err != nil {
		o.metrics.PatchRequestsTotal.WithLabelValues(string(StatusFailed)).Inc()
		return nil, fmt.Errorf("reading batch state: %w", err)
	}
	st.Now = o.now()
	o.metrics.PatchDuration.WithLabelValues("read").Observe(time.Since(readStart).Seconds())

	validateStart := time.Now()
	res, err := o.validate(st, caller, doc)
	o.metrics.PatchDuration.WithLabelValues("validate").Observe(time.Since(validateStart).Seconds())
	if err != nil {
		return o.reject(log, err)
	}

	execStart := time.Now()
	applied, err := o.store.Execute(ctx, res.Mutations)
	o.metrics.PatchDuration.WithLabelValues("execute").Observe(time.Since(execStart).Seconds())
	o.metrics.PatchMutationsExecuted.Add(float64(applied))
	if err != nil {
		// Execution is sequential and not transactional; a mid-batch failure
		// leaves a prefix applied. Staleness makes resubmission converge.
		o.metrics.PatchRequestsTotal.WithLabelValues(string(StatusFailed)).Inc()
		log.WithError(err).WithField("applied", applied).Error("patch execution interrupted")
		return nil, fmt.Errorf("executing mutations: %w", err)
	}

	for family, n := range res.StaleFamilies {
		o.metrics.StaleEntitiesTotal.WithLabelValues(family).Add(float64(n))
	}

	status := StatusApplied
	if res.Stale {
		status = StatusPartial
	}
	o.metrics.PatchRequestsTotal.WithLabelValues(string(status)).Inc()
	log.WithFields(map[string]interface{}{
		"status":  string(status),
		"applied": applied,
	}).Info("patch applied")

	return &Outcome{Status: status, Applied: applied}, nil
}

// validate runs the family validators in their fixed order against the
// loaded batch state. Any error aborts before a single write.
func (o *Orchestrator) validate(st *BatchState, caller Caller, doc *Document) (Result, error) {
	var res Result

	r, err := validateLocation(st, caller, doc.LatestLocation)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	r, err = validateHighlights(st, caller, doc.Highlights)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	r, err = validateClassrooms(st, caller, doc.Classrooms)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	return res, nil
}

// resolveTier looks up the caller's effective tier for the book. A missing
// row or a lapsed expiration both resolve to no access.
func (o *Orchestrator) resolveTier(ctx context.Context, identity *auth.Identity, bookID int64) (access.Tier, error) {
	row, err := o.access.Get(ctx, identity.TenantID, bookID, identity.UserID)
	if errors.Is(err, access.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolving access tier: %w", err)
	}
	if row.ExpiresAt != nil && *row.ExpiresAt <= o.now() {
		return 0, nil
	}
	return row.Tier, nil
}

func (o *Orchestrator) reject(log *observability.Logger, err error) (*Outcome, error) {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		verr = &ValidationError{Family: FamilyDocument, Reason: err.Error()}
	}
	o.metrics.PatchRequestsTotal.WithLabelValues(string(StatusRejected)).Inc()
	o.metrics.ValidationErrorsTotal.WithLabelValues(verr.Family).Inc()
	log.WithFields(map[string]interface{}{
		"family": verr.Family,
		"reason": verr.Reason,
	}).Warn("patch rejected")
	return &Outcome{Status: StatusRejected, Family: verr.Family, Reason: verr.Reason}, nil
}
