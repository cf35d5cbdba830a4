package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/openshelf/openshelf/pkg/access"
	"github.com/openshelf/openshelf/pkg/config"
	"github.com/openshelf/openshelf/pkg/observability"
)

// The sweeper keeps the materialized access table honest over time: grants
// expire without anyone editing them, so no API trigger fires. The expiry
// sweep prunes lapsed grant sources and recomputes the touched tenants; the
// reconciliation sweep recomputes every tenant from scratch.
func main() {
	runOnce := flag.Bool("run-once", false, "run both sweeps once and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := access.NewPostgresStore(db)
	maintainer := access.NewMaintainer(store, logger, metrics, nil)

	sweeper := &Sweeper{db: db, maintainer: maintainer, logger: logger}

	if *runOnce {
		ctx := context.Background()
		if err := sweeper.SweepExpired(ctx); err != nil {
			logger.WithError(err).Error("expiry sweep failed")
			os.Exit(1)
		}
		if err := sweeper.Reconcile(ctx); err != nil {
			logger.WithError(err).Error("reconciliation sweep failed")
			os.Exit(1)
		}
		return
	}

	expirySchedule := getEnv("OPENSHELF_SWEEP_SCHEDULE", "0 * * * *")
	reconcileSchedule := getEnv("OPENSHELF_RECONCILE_SCHEDULE", "30 3 * * *")

	c := cron.New()
	if _, err := c.AddFunc(expirySchedule, func() {
		if err := sweeper.SweepExpired(context.Background()); err != nil {
			logger.WithError(err).Error("expiry sweep failed")
		}
	}); err != nil {
		logger.WithError(err).Error("invalid sweep schedule")
		os.Exit(1)
	}
	if _, err := c.AddFunc(reconcileSchedule, func() {
		if err := sweeper.Reconcile(context.Background()); err != nil {
			logger.WithError(err).Error("reconciliation sweep failed")
		}
	}); err != nil {
		logger.WithError(err).Error("invalid reconcile schedule")
		os.Exit(1)
	}

	logger.WithFields(map[string]interface{}{
		"sweep_schedule":     expirySchedule,
		"reconcile_schedule": reconcileSchedule,
	}).Info("sweeper started")
	c.Run()
}

// Sweeper prunes lapsed grant sources and recomputes access
type Sweeper struct {
	db         *sql.DB
	maintainer *access.Maintainer
	logger     *observability.Logger
}

// SweepExpired deletes grant sources whose expiration has passed and
// recomputes every tenant that lost one.
func (s *Sweeper) SweepExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	touched := make(map[int64]bool)

	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM book_instances
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		RETURNING tenant_id`, now)
	if err != nil {
		return fmt.Errorf("pruning expired book instances: %w", err)
	}
	if err := collectTenants(rows, touched); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		DELETE FROM subscriptions
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		RETURNING tenant_id`, now)
	if err != nil {
		return fmt.Errorf("pruning expired subscriptions: %w", err)
	}
	if err := collectTenants(rows, touched); err != nil {
		return err
	}

	for tenantID := range touched {
		if _, err := s.maintainer.Recompute(ctx, access.Scope{TenantID: tenantID}, "expiry_sweep"); err != nil {
			// Logged by the maintainer; the scope stays stale until the next
			// sweep. Keep going, other tenants are independent.
			continue
		}
	}

	s.logger.WithField("tenants", len(touched)).Info("expiry sweep complete")
	return nil
}

// Reconcile recomputes every tenant's access from its sources
func (s *Sweeper) Reconcile(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM tenants ORDER BY id")
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	changes := 0
	for _, tenantID := range tenants {
		n, err := s.maintainer.Recompute(ctx, access.Scope{TenantID: tenantID}, "reconcile")
		if err != nil {
			continue
		}
		changes += n
	}

	s.logger.WithFields(map[string]interface{}{
		"tenants": len(tenants),
		"changes": changes,
	}).Info("reconciliation sweep complete")
	return nil
}

func collectTenants(rows *sql.Rows, touched map[int64]bool) error {
	defer rows.Close()
	for rows.Next() {
		var tenantID int64
		if err := rows.Scan(&tenantID); err != nil {
			return fmt.Errorf("scanning pruned tenant: %w", err)
		}
		touched[tenantID] = true
	}
	return rows.Err()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
