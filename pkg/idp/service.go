package idp

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openshelf/openshelf/pkg/access"
	"github.com/openshelf/openshelf/pkg/observability"
)

// GrantPush is one identity-provider push: user records plus their per-book
// direct grants, for a single tenant. Credentials never appear here; the
// provider has already authenticated the user.
type GrantPush struct {
	TenantID int64        `json:"tenant_id"`
	Users    []UserGrants `json:"users"`
}

// UserGrants is one pushed user with their direct book grants
type UserGrants struct {
	ExternalID  string      `json:"external_id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Books       []BookGrant `json:"books"`
}

// BookGrant is one direct grant on a book
type BookGrant struct {
	BookID                int64  `json:"book_id"`
	Tier                  string `json:"tier"`
	ExpiresAt             *int64 `json:"expires_at,omitempty"`
	EnhancedToolsExpireAt *int64 `json:"enhanced_tools_expire_at,omitempty"`
}

// Validate checks the push payload before any write
func (p *GrantPush) Validate() error {
	if p.TenantID <= 0 {
		return fmt.Errorf("tenant_id is required")
	}
	if len(p.Users) == 0 {
		return fmt.Errorf("users must not be empty")
	}
	for i, u := range p.Users {
		if u.ExternalID == "" {
			return fmt.Errorf("users[%d]: external_id is required", i)
		}
		for j, b := range u.Books {
			if b.BookID <= 0 {
				return fmt.Errorf("users[%d].books[%d]: book_id is required", i, j)
			}
			if _, err := access.ParseTier(b.Tier); err != nil {
				return fmt.Errorf("users[%d].books[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// Service ingests identity-provider pushes: it upserts the user records and
// their direct grants in one transaction, then triggers the access
// maintainer for each touched (user, book) scope.
type Service struct {
	db         *sql.DB
	maintainer *access.Maintainer
	logger     *observability.Logger
}

// NewService creates an IDP ingestion service
func NewService(db *sql.DB, maintainer *access.Maintainer, logger *observability.Logger) *Service {
	return &Service{db: db, maintainer: maintainer, logger: logger}
}

// Ingest applies one push. Returns the number of access changes the
// recomputation produced. A recomputation failure after a committed upsert
// leaves the scope stale, not the grants lost; the next trigger converges it.
func (s *Service) Ingest(ctx context.Context, push *GrantPush) (int, error) {
	if err := push.Validate(); err != nil {
		return 0, err
	}

	userIDs, err := s.upsert(ctx, push)
	if err != nil {
		return 0, err
	}

	changes := 0
	for i, u := range push.Users {
		userID := userIDs[i]
		for _, b := range u.Books {
			bookID := b.BookID
			n, err := s.maintainer.Recompute(ctx, access.Scope{
				TenantID: push.TenantID,
				UserID:   &userID,
				BookID:   &bookID,
			}, "idp_push")
			if err != nil {
				return changes, fmt.Errorf("recomputing access for user %d book %d: %w", userID, bookID, err)
			}
			changes += n
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"tenant_id": push.TenantID,
		"users":     len(push.Users),
		"changes":   changes,
	}).Info("idp grant push ingested")

	return changes, nil
}

func (s *Service) upsert(ctx context.Context, push *GrantPush) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning grant upsert: %w", err)
	}
	defer tx.Rollback()

	userIDs := make([]int64, len(push.Users))
	for i, u := range push.Users {
		var userID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO users (tenant_id, external_id, email, display_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, external_id)
			DO UPDATE SET email = $3, display_name = $4
			RETURNING id`,
			push.TenantID, u.ExternalID, u.Email, u.DisplayName,
		).Scan(&userID)
		if err != nil {
			return nil, fmt.Errorf("upserting user %q: %w", u.ExternalID, err)
		}
		userIDs[i] = userID

		for _, b := range u.Books {
			tier, _ := access.ParseTier(b.Tier)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO book_instances (tenant_id, book_id, user_id, version, expires_at, enhanced_tools_expire_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (tenant_id, book_id, user_id)
				DO UPDATE SET version = $4, expires_at = $5, enhanced_tools_expire_at = $6`,
				push.TenantID, b.BookID, userID, tier.String(),
				millisArg(b.ExpiresAt), millisArg(b.EnhancedToolsExpireAt),
			)
			if err != nil {
				return nil, fmt.Errorf("upserting grant for user %q book %d: %w", u.ExternalID, b.BookID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing grant upsert: %w", err)
	}
	return userIDs, nil
}

func millisArg(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
