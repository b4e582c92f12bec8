// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// UsageRepo persists hourly free-tier usage and referral bonus balances,
// the bookkeeping the Billing Gate (C8) consults before charging (spec §4.8).
type UsageRepo struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

// GetHourlyFreeUsage loads the current hourly usage window for a user,
// returning a zero-value window (not an error) when no row exists yet.
func (r *UsageRepo) GetHourlyFreeUsage(ctx domain.Context, userID string) (domain.HourlyFreeUsage, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.GetHourlyFreeUsage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "hourly_free_usage"),
	)
	q := `SELECT user_id, window_start, used_count FROM hourly_free_usage WHERE user_id=$1`
	row := r.Pool.QueryRow(ctx, q, userID)
	var u domain.HourlyFreeUsage
	if err := row.Scan(&u.UserID, &u.WindowStart, &u.UsedCount); err != nil {
		if err == pgx.ErrNoRows {
			return domain.HourlyFreeUsage{UserID: userID}, nil
		}
		return domain.HourlyFreeUsage{}, fmt.Errorf("op=usage.get_hourly: %w", err)
	}
	return u, nil
}

// SetHourlyFreeUsage upserts the hourly usage window for a user.
func (r *UsageRepo) SetHourlyFreeUsage(ctx domain.Context, usage domain.HourlyFreeUsage) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.SetHourlyFreeUsage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "hourly_free_usage"),
	)
	q := `INSERT INTO hourly_free_usage (user_id, window_start, used_count) VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET window_start=EXCLUDED.window_start, used_count=EXCLUDED.used_count`
	_, err := r.Pool.Exec(ctx, q, usage.UserID, usage.WindowStart, usage.UsedCount)
	if err != nil {
		return fmt.Errorf("op=usage.set_hourly: %w", err)
	}
	return nil
}

// GetReferralBalance returns a user's referral bonus bank, 0 if absent.
func (r *UsageRepo) GetReferralBalance(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.GetReferralBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "referral_bonus_bank"),
	)
	q := `SELECT balance FROM referral_bonus_bank WHERE user_id=$1`
	row := r.Pool.QueryRow(ctx, q, userID)
	var balance int
	if err := row.Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("op=usage.get_referral_balance: %w", err)
	}
	return balance, nil
}

// AddReferralBalance atomically adds delta (positive or negative) to a
// user's referral bank and returns the resulting balance.
func (r *UsageRepo) AddReferralBalance(ctx domain.Context, userID string, delta int) (int, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.AddReferralBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "referral_bonus_bank"),
	)
	q := `INSERT INTO referral_bonus_bank (user_id, balance) VALUES ($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET balance = referral_bonus_bank.balance + EXCLUDED.balance
		RETURNING balance`
	row := r.Pool.QueryRow(ctx, q, userID, delta)
	var balance int
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("op=usage.add_referral_balance: %w", err)
	}
	return balance, nil
}
