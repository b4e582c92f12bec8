// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// BalanceRepo persists per-user monetary balances. The distributed lock on
// "balance:"+userID (spec §4.8) is what makes SubtractUserBalance safe
// under concurrent post-delivery charges; the explicit transaction here is
// belt-and-suspenders against any caller that forgets to hold it.
type BalanceRepo struct{ Pool PgxPool }

// NewBalanceRepo constructs a BalanceRepo with the given pool.
func NewBalanceRepo(p PgxPool) *BalanceRepo { return &BalanceRepo{Pool: p} }

// GetUserBalance returns a user's balance, 0 if no row exists yet.
func (r *BalanceRepo) GetUserBalance(ctx domain.Context, userID string) (float64, error) {
	tracer := otel.Tracer("repo.balance")
	ctx, span := tracer.Start(ctx, "balance.GetUserBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "user_balances"),
	)
	q := `SELECT balance FROM user_balances WHERE user_id=$1`
	row := r.Pool.QueryRow(ctx, q, userID)
	var balance float64
	if err := row.Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("op=balance.get: %w", err)
	}
	return balance, nil
}

// SubtractUserBalance atomically subtracts amount from a user's balance
// within an explicit read-committed transaction and returns the result.
// The balance is allowed to go negative: callers decide affordability
// before calling this, this only commits the charge.
func (r *BalanceRepo) SubtractUserBalance(ctx domain.Context, userID string, amount float64) (float64, error) {
	tracer := otel.Tracer("repo.balance")
	ctx, span := tracer.Start(ctx, "balance.SubtractUserBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "user_balances"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("op=balance.subtract.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("failed to rollback balance subtraction", slog.String("user_id", userID), slog.Any("error", rbErr))
			}
		}
	}()

	q := `INSERT INTO user_balances (user_id, balance) VALUES ($1, -$2)
		ON CONFLICT (user_id) DO UPDATE SET balance = user_balances.balance - $2
		RETURNING balance`
	var newBalance float64
	if err := tx.QueryRow(ctx, q, userID, amount).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("op=balance.subtract.exec: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=balance.subtract.commit: %w", err)
	}
	committed = true
	return newBalance, nil
}
