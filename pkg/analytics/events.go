package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one analytics row. Payload is event-specific and stored as JSON;
// downstream consumers read the table directly.
type Event struct {
	TenantID  int64
	UserID    int64
	BookID    int64
	EventType string
	Payload   map[string]interface{}
	CreatedAt int64 // unix millis
}

// Event types written by this service. The highlight-created event is staged
// inside the patch engine; these are tracked out of band.
const (
	EventReadSession = "read_session"
	EventDownload    = "download"
	EventSyncPull    = "sync_pull"
)

// NewReadSessionEvent records a reading session against a book
func NewReadSessionEvent(tenantID, userID, bookID int64, spineIDRef string, durationMillis int64) Event {
	return Event{
		TenantID:  tenantID,
		UserID:    userID,
		BookID:    bookID,
		EventType: EventReadSession,
		Payload: map[string]interface{}{
			"spine_id_ref":    spineIDRef,
			"duration_millis": durationMillis,
		},
	}
}

// NewDownloadEvent records a book package download
func NewDownloadEvent(tenantID, userID, bookID int64, format string) Event {
	return Event{
		TenantID:  tenantID,
		UserID:    userID,
		BookID:    bookID,
		EventType: EventDownload,
		Payload: map[string]interface{}{
			"format": format,
		},
	}
}

// NewSyncPullEvent records a client refetching its state tree
func NewSyncPullEvent(tenantID, userID, bookID int64) Event {
	return Event{
		TenantID:  tenantID,
		UserID:    userID,
		BookID:    bookID,
		EventType: EventSyncPull,
		Payload:   map[string]interface{}{},
	}
}

// EventTracker writes analytics events. Callers fire it asynchronously; a
// lost event is acceptable, a blocked request is not.
type EventTracker struct {
	db *sql.DB
}

// NewEventTracker creates an event tracker backed by db
func NewEventTracker(db *sql.DB) *EventTracker {
	return &EventTracker{db: db}
}

// Track inserts one event. Tenants with analytics disabled are filtered at
// the call site, not here.
func (t *EventTracker) Track(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO analytics_events (tenant_id, user_id, book_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.TenantID, event.UserID, event.BookID, event.EventType, payload, createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting analytics event: %w", err)
	}
	return nil
}

// AnalyticsEnabled reports the tenant's analytics opt-in flag
func (t *EventTracker) AnalyticsEnabled(ctx context.Context, tenantID int64) (bool, error) {
	var enabled bool
	err := t.db.QueryRowContext(ctx,
		"SELECT analytics_enabled FROM tenants WHERE id = $1", tenantID,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading tenant analytics flag: %w", err)
	}
	return enabled, nil
}
