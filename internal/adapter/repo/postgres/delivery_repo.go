// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// DeliveryRepo persists DeliveryRecord rows, jointly owned by the Delivery
// Pipeline (C7) and the Pending Reconciler.
type DeliveryRepo struct{ Pool PgxPool }

// NewDeliveryRepo constructs a DeliveryRepo with the given pool.
func NewDeliveryRepo(p PgxPool) *DeliveryRepo { return &DeliveryRepo{Pool: p} }

// Reserve performs the CAS transition absent -> delivering, returning
// false if a record already exists for (userID, providerTaskID).
func (r *DeliveryRepo) Reserve(ctx domain.Context, userID, providerTaskID string) (bool, error) {
	tracer := otel.Tracer("repo.delivery")
	ctx, span := tracer.Start(ctx, "delivery.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "delivery_records"),
	)
	now := time.Now().UTC()
	q := `INSERT INTO delivery_records (user_id, provider_task_id, status, attempts, error, result_urls, charged, created_at, updated_at)
		VALUES ($1,$2,$3,1,'',NULL,false,$4,$4)
		ON CONFLICT (user_id, provider_task_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, userID, providerTaskID, domain.DeliveryDelivering, now)
	if err != nil {
		return false, fmt.Errorf("op=delivery.reserve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDelivered records a successful delivery.
func (r *DeliveryRepo) MarkDelivered(ctx domain.Context, userID, providerTaskID string, urls []string) error {
	tracer := otel.Tracer("repo.delivery")
	ctx, span := tracer.Start(ctx, "delivery.MarkDelivered")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "delivery_records"),
	)
	now := time.Now().UTC()
	q := `UPDATE delivery_records SET status=$3, result_urls=$4, delivered_at=$5, updated_at=$5
		WHERE user_id=$1 AND provider_task_id=$2`
	_, err := r.Pool.Exec(ctx, q, userID, providerTaskID, domain.DeliveryDelivered, urls, now)
	if err != nil {
		return fmt.Errorf("op=delivery.mark_delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt and bumps the attempt count.
func (r *DeliveryRepo) MarkFailed(ctx domain.Context, userID, providerTaskID, reason string) error {
	tracer := otel.Tracer("repo.delivery")
	ctx, span := tracer.Start(ctx, "delivery.MarkFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "delivery_records"),
	)
	q := `UPDATE delivery_records SET status=$3, error=$4, attempts=attempts+1, updated_at=$5
		WHERE user_id=$1 AND provider_task_id=$2`
	_, err := r.Pool.Exec(ctx, q, userID, providerTaskID, domain.DeliveryFailed, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=delivery.mark_failed: %w", err)
	}
	return nil
}

// Get loads a delivery record, used by the Pending Reconciler to find
// stuck "delivering" rows and by Deliver's idempotent-replay check.
func (r *DeliveryRepo) Get(ctx domain.Context, userID, providerTaskID string) (domain.DeliveryRecord, bool, error) {
	tracer := otel.Tracer("repo.delivery")
	ctx, span := tracer.Start(ctx, "delivery.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "delivery_records"),
	)
	q := `SELECT user_id, provider_task_id, status, attempts, error, result_urls, charged, created_at, updated_at, delivered_at
		FROM delivery_records WHERE user_id=$1 AND provider_task_id=$2`
	row := r.Pool.QueryRow(ctx, q, userID, providerTaskID)
	var rec domain.DeliveryRecord
	var status string
	if err := row.Scan(&rec.UserID, &rec.ProviderTaskID, &status, &rec.Attempts, &rec.Error, &rec.ResultURLs,
		&rec.Charged, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeliveredAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.DeliveryRecord{}, false, nil
		}
		return domain.DeliveryRecord{}, false, fmt.Errorf("op=delivery.get: %w", err)
	}
	rec.Status = domain.DeliveryStatus(status)
	return rec, true, nil
}

// MarkCharged persists that CommitPostDeliveryCharge has run for this key,
// so a crash between MarkDelivered and the billing charge can't cause a
// fresh process's reconciler sweep to double-charge (spec §4.8's
// exactly-once guarantee).
func (r *DeliveryRepo) MarkCharged(ctx domain.Context, userID, providerTaskID string) error {
	tracer := otel.Tracer("repo.delivery")
	ctx, span := tracer.Start(ctx, "delivery.MarkCharged")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "delivery_records"),
	)
	q := `UPDATE delivery_records SET charged=true, updated_at=$3 WHERE user_id=$1 AND provider_task_id=$2`
	_, err := r.Pool.Exec(ctx, q, userID, providerTaskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=delivery.mark_charged: %w", err)
	}
	return nil
}
