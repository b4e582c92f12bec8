// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// JobRepo persists and loads generation jobs from PostgreSQL using a
// minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job row.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("op=job.create.marshal_params: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs
		(job_id, request_id, user_id, model_id, prompt_fingerprint, params, provider_task_id, status, result_urls, result_text, error_code, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = r.Pool.Exec(ctx, q, j.JobID, j.RequestID, j.UserID, j.ModelID, j.PromptFingerprint, params,
		j.ProviderTaskID, j.Status, j.ResultURLs, j.ResultText, string(j.ErrorCode), j.ErrorMessage, now, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// UpdateStatus updates a job's status, error, and result fields with
// explicit transaction management.
func (r *JobRepo) UpdateStatus(ctx domain.Context, jobID string, status domain.JobStatus, errCode domain.ErrorCode, errMsg string, resultURLs []string, resultText string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	slog.Info("starting job status update with explicit transaction",
		slog.String("job_id", jobID),
		slog.String("status", string(status)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		slog.Error("failed to begin transaction for job status update",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return fmt.Errorf("op=job.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(ctx); err != nil {
				slog.Error("failed to rollback transaction",
					slog.String("job_id", jobID),
					slog.Any("error", err))
			}
		}
	}()

	q := `UPDATE jobs SET status=$2, error_code=$3, error_message=$4, result_urls=$5, result_text=$6, updated_at=$7 WHERE job_id=$1`
	updateStart := time.Now()
	result, err := tx.Exec(ctx, q, jobID, status, string(errCode), errMsg, resultURLs, resultText, time.Now().UTC())
	updateDuration := time.Since(updateStart)
	if err != nil {
		slog.Error("failed to execute job status update within transaction",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
			slog.Duration("update_duration", updateDuration),
			slog.Any("error", err),
			slog.String("sql_query", q))
		return fmt.Errorf("op=job.update_status.exec: %w", err)
	}

	rowsAffected := result.RowsAffected()
	if rowsAffected == 0 {
		slog.Warn("job status update affected 0 rows - job may not exist",
			slog.String("job_id", jobID),
			slog.String("status", string(status)))
	}

	commitStart := time.Now()
	if err := tx.Commit(ctx); err != nil {
		slog.Error("failed to commit transaction for job status update",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
			slog.Duration("commit_duration", time.Since(commitStart)),
			slog.Any("error", err))
		return fmt.Errorf("op=job.update_status.commit: %w", err)
	}
	committed = true

	slog.Info("job status update completed successfully with explicit transaction",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int64("rows_affected", rowsAffected),
		slog.Duration("update_duration", updateDuration),
		slog.Duration("total_duration", time.Since(updateStart)))
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var params []byte
	var errCode, errMsg string
	if err := row.Scan(&j.JobID, &j.RequestID, &j.UserID, &j.ModelID, &j.PromptFingerprint, &params,
		&j.ProviderTaskID, &j.Status, &j.ResultURLs, &j.ResultText, &errCode, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	j.ErrorCode = domain.ErrorCode(errCode)
	j.ErrorMessage = errMsg
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_params: %w", err)
		}
	}
	return j, nil
}

const jobColumns = `job_id, request_id, user_id, model_id, prompt_fingerprint, params, provider_task_id, status, result_urls, result_text, error_code, error_message, created_at, updated_at`

// Get loads a job by job_id.
func (r *JobRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByRequestID loads a job by its caller-supplied request id, used to
// collapse retried submissions onto the same job row.
func (r *JobRepo) FindByRequestID(ctx domain.Context, requestID string) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByRequestID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE request_id=$1 LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, requestID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=job.find_by_request_id: %w", err)
	}
	return j, true, nil
}

// ListByStatus returns a paginated list of jobs matching any of statuses,
// oldest first so the pending reconciler sweeps in FIFO order.
func (r *JobRepo) ListByStatus(ctx domain.Context, statuses []domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrs[i] = string(s)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, statusStrs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_status: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_status_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_by_status_rows: %w", err)
	}
	return jobs, nil
}
