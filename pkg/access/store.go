package access

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Store persists grant sources and the materialized computed-access table
type Store interface {
	LoadSources(ctx context.Context, scope Scope) ([]Source, error)
	LoadComputed(ctx context.Context, scope Scope) ([]Computed, error)
	ApplyChanges(ctx context.Context, changes []Change) error
	GetComputed(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error)
}

// ErrNotFound is returned when no computed-access row exists for a key
var ErrNotFound = fmt.Errorf("computed access not found")

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// scopeClause builds the WHERE narrowing for a scope. The column names are
// prefixed with the given table alias.
func scopeClause(alias string, scope Scope, argPos int) (string, []interface{}, int) {
	clauses := []string{fmt.Sprintf("%s.tenant_id = $%d", alias, argPos)}
	args := []interface{}{scope.TenantID}
	argPos++

	if scope.UserID != nil {
		clauses = append(clauses, fmt.Sprintf("%s.user_id = $%d", alias, argPos))
		args = append(args, *scope.UserID)
		argPos++
	}
	if scope.BookID != nil {
		clauses = append(clauses, fmt.Sprintf("%s.book_id = $%d", alias, argPos))
		args = append(args, *scope.BookID)
		argPos++
	}

	return strings.Join(clauses, " AND "), args, argPos
}

// LoadSources loads the union of the three grant sources in scope: direct
// book grants, tenant-wide subscription grants expanded over the tenant's
// users, and per-user subscription-instance grants.
func (s *PostgresStore) LoadSources(ctx context.Context, scope Scope) ([]Source, error) {
	var sources []Source

	direct, err := s.loadDirectGrants(ctx, scope)
	if err != nil {
		return nil, err
	}
	sources = append(sources, direct...)

	tenantWide, err := s.loadTenantSubscriptionGrants(ctx, scope)
	if err != nil {
		return nil, err
	}
	sources = append(sources, tenantWide...)

	perUser, err := s.loadUserSubscriptionGrants(ctx, scope)
	if err != nil {
		return nil, err
	}
	sources = append(sources, perUser...)

	return sources, nil
}

func (s *PostgresStore) loadDirectGrants(ctx context.Context, scope Scope) ([]Source, error) {
	where, args, _ := scopeClause("bi", scope, 1)
	query := fmt.Sprintf(`
		SELECT bi.tenant_id, bi.book_id, bi.user_id, bi.version, bi.expires_at, bi.enhanced_tools_expire_at
		FROM book_instances bi
		WHERE %s
	`, where)

	return s.querySources(ctx, query, args, OriginBookInstance)
}

func (s *PostgresStore) loadTenantSubscriptionGrants(ctx context.Context, scope Scope) ([]Source, error) {
	// Tenant-wide subscriptions apply to every user of the tenant.
	clauses := []string{"sub.tenant_id = $1", "sub.tenant_wide = true"}
	args := []interface{}{scope.TenantID}
	argPos := 2
	if scope.UserID != nil {
		clauses = append(clauses, fmt.Sprintf("u.id = $%d", argPos))
		args = append(args, *scope.UserID)
		argPos++
	}
	if scope.BookID != nil {
		clauses = append(clauses, fmt.Sprintf("sb.book_id = $%d", argPos))
		args = append(args, *scope.BookID)
	}

	query := fmt.Sprintf(`
		SELECT sub.tenant_id, sb.book_id, u.id, sub.version, sub.expires_at, sub.enhanced_tools_expire_at
		FROM subscriptions sub
		JOIN subscription_books sb ON sb.subscription_id = sub.id
		JOIN users u ON u.tenant_id = sub.tenant_id
		WHERE %s
	`, strings.Join(clauses, " AND "))

	return s.querySources(ctx, query, args, OriginTenantSubscription)
}

func (s *PostgresStore) loadUserSubscriptionGrants(ctx context.Context, scope Scope) ([]Source, error) {
	clauses := []string{"sub.tenant_id = $1", "sub.tenant_wide = false"}
	args := []interface{}{scope.TenantID}
	argPos := 2
	if scope.UserID != nil {
		clauses = append(clauses, fmt.Sprintf("si.user_id = $%d", argPos))
		args = append(args, *scope.UserID)
		argPos++
	}
	if scope.BookID != nil {
		clauses = append(clauses, fmt.Sprintf("sb.book_id = $%d", argPos))
		args = append(args, *scope.BookID)
	}

	query := fmt.Sprintf(`
		SELECT sub.tenant_id, sb.book_id, si.user_id, sub.version,
		       COALESCE(si.expires_at, sub.expires_at),
		       COALESCE(si.enhanced_tools_expire_at, sub.enhanced_tools_expire_at)
		FROM subscription_instances si
		JOIN subscriptions sub ON sub.id = si.subscription_id
		JOIN subscription_books sb ON sb.subscription_id = sub.id
		WHERE %s
	`, strings.Join(clauses, " AND "))

	return s.querySources(ctx, query, args, OriginUserSubscription)
}

func (s *PostgresStore) querySources(ctx context.Context, query string, args []interface{}, origin SourceOrigin) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s grants: %w", origin, err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		var version string
		var expiresAt, enhancedExpiresAt sql.NullInt64
		if err := rows.Scan(&src.TenantID, &src.BookID, &src.UserID, &version, &expiresAt, &enhancedExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s grant: %w", origin, err)
		}
		tier, err := ParseTier(version)
		if err != nil {
			return nil, fmt.Errorf("bad %s grant row: %w", origin, err)
		}
		src.Tier = tier
		src.ExpiresAt = nullableMillis(expiresAt)
		src.EnhancedToolsExpireAt = nullableMillis(enhancedExpiresAt)
		src.Origin = origin
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// LoadComputed loads the currently materialized rows for a scope
func (s *PostgresStore) LoadComputed(ctx context.Context, scope Scope) ([]Computed, error) {
	where, args, _ := scopeClause("ca", scope, 1)
	query := fmt.Sprintf(`
		SELECT ca.tenant_id, ca.book_id, ca.user_id, ca.version, ca.expires_at, ca.enhanced_tools_expire_at
		FROM computed_access ca
		WHERE %s
	`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load computed access: %w", err)
	}
	defer rows.Close()

	var computed []Computed
	for rows.Next() {
		row, err := scanComputed(rows)
		if err != nil {
			return nil, err
		}
		computed = append(computed, *row)
	}
	return computed, rows.Err()
}

// ApplyChanges executes a diff as one batch of sequential writes inside a
// transaction. A partial diff is never left behind.
func (s *PostgresStore) ApplyChanges(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin access diff: %w", err)
	}
	defer tx.Rollback()

	for _, change := range changes {
		row := change.Row
		switch change.Op {
		case ChangeInsert:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO computed_access (tenant_id, book_id, user_id, version, expires_at, enhanced_tools_expire_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, row.TenantID, row.BookID, row.UserID, row.Tier.String(), millisArg(row.ExpiresAt), millisArg(row.EnhancedToolsExpireAt))
		case ChangeUpdate:
			_, err = tx.ExecContext(ctx, `
				UPDATE computed_access
				SET version = $4, expires_at = $5, enhanced_tools_expire_at = $6
				WHERE tenant_id = $1 AND book_id = $2 AND user_id = $3
			`, row.TenantID, row.BookID, row.UserID, row.Tier.String(), millisArg(row.ExpiresAt), millisArg(row.EnhancedToolsExpireAt))
		case ChangeDelete:
			_, err = tx.ExecContext(ctx, `
				DELETE FROM computed_access
				WHERE tenant_id = $1 AND book_id = $2 AND user_id = $3
			`, row.TenantID, row.BookID, row.UserID)
		default:
			err = fmt.Errorf("unknown change op: %s", change.Op)
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s for (%d,%d,%d): %w",
				change.Op, row.TenantID, row.BookID, row.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit access diff: %w", err)
	}
	return nil
}

// GetComputed retrieves a single materialized row
func (s *PostgresStore) GetComputed(ctx context.Context, tenantID, bookID, userID int64) (*Computed, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, book_id, user_id, version, expires_at, enhanced_tools_expire_at
		FROM computed_access
		WHERE tenant_id = $1 AND book_id = $2 AND user_id = $3
	`, tenantID, bookID, userID)

	computed, err := scanComputed(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return computed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComputed(r rowScanner) (*Computed, error) {
	var row Computed
	var version string
	var expiresAt, enhancedExpiresAt sql.NullInt64
	if err := r.Scan(&row.TenantID, &row.BookID, &row.UserID, &version, &expiresAt, &enhancedExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan computed access: %w", err)
	}
	tier, err := ParseTier(version)
	if err != nil {
		return nil, fmt.Errorf("bad computed access row: %w", err)
	}
	row.Tier = tier
	row.ExpiresAt = nullableMillis(expiresAt)
	row.EnhancedToolsExpireAt = nullableMillis(enhancedExpiresAt)
	return &row, nil
}

func nullableMillis(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	millis := v.Int64
	return &millis
}

func millisArg(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
