package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tx is the minimal transaction surface CleanupService needs.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a transaction; *pgxpool.Pool satisfies this.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type poolBeginner struct{ pool pgxBeginTxer }

type pgxBeginTxer interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (b poolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewBeginner adapts a *pgxpool.Pool into a Beginner.
func NewBeginner(pool pgxBeginTxer) Beginner { return poolBeginner{pool: pool} }

// CleanupService handles retention sweeps of terminal jobs, their delivery
// records, and hourly usage windows older than RetentionDays.
type CleanupService struct {
	Beginner      Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(beginner Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Beginner: beginner, RetentionDays: retentionDays}
}

// CleanupOldData removes jobs (and their delivery records) that reached a
// terminal status before the retention cutoff, and prunes stale hourly
// usage windows so the table doesn't grow unbounded.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedDeliveries int64
	err = tx.QueryRow(ctx, `
		WITH d AS (
			DELETE FROM delivery_records
			WHERE provider_task_id IN (
				SELECT provider_task_id FROM jobs
				WHERE created_at < $1 AND status IN ('completed', 'delivered', 'failed', 'canceled')
			)
			RETURNING 1
		) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedDeliveries)
	if err != nil {
		slog.Debug("no delivery records to delete", slog.Any("error", err))
	}

	var deletedJobs int64
	err = tx.QueryRow(ctx, `
		WITH d AS (
			DELETE FROM jobs
			WHERE created_at < $1 AND status IN ('completed', 'delivered', 'failed', 'canceled')
			RETURNING 1
		) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedJobs)
	if err != nil {
		slog.Debug("no jobs to delete", slog.Any("error", err))
	}

	var deletedUsageWindows int64
	err = tx.QueryRow(ctx, `
		WITH d AS (
			DELETE FROM hourly_free_usage
			WHERE window_start < $1
			RETURNING 1
		) SELECT count(*) FROM d
	`, cutoff).Scan(&deletedUsageWindows)
	if err != nil {
		slog.Debug("no usage windows to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_delivery_records", deletedDeliveries),
		slog.Int64("deleted_usage_windows", deletedUsageWindows),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
