package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kie-forge/genorchestrator/internal/adapter/repo/postgres"
	"github.com/kie-forge/genorchestrator/internal/domain"
)

type jobRow struct {
	job domain.Job
	err error
}

func (r jobRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.job.JobID
	*(dest[1].(*string)) = r.job.RequestID
	*(dest[2].(*string)) = r.job.UserID
	*(dest[3].(*string)) = r.job.ModelID
	*(dest[4].(*string)) = r.job.PromptFingerprint
	*(dest[5].(*[]byte)) = []byte(`{}`)
	*(dest[6].(*string)) = r.job.ProviderTaskID
	*(dest[7].(*domain.JobStatus)) = r.job.Status
	*(dest[8].(*[]string)) = r.job.ResultURLs
	*(dest[9].(*string)) = r.job.ResultText
	*(dest[10].(*string)) = string(r.job.ErrorCode)
	*(dest[11].(*string)) = r.job.ErrorMessage
	*(dest[12].(*time.Time)) = r.job.CreatedAt
	*(dest[13].(*time.Time)) = r.job.UpdatedAt
	return nil
}

type jobsPoolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	row      jobRow
	queryErr error
}

func (p *jobsPoolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}
func (p *jobsPoolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return p.row }
func (p *jobsPoolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, p.queryErr
}
func (p *jobsPoolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("BeginTx not stubbed for this test")
}

func TestJobRepo_Create_Success(t *testing.T) {
	pool := &jobsPoolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)
	j := domain.Job{JobID: "job_1", RequestID: "req1", UserID: "u1", ModelID: "m1", Status: domain.JobQueued}
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestJobRepo_Create_Error(t *testing.T) {
	pool := &jobsPoolStub{execErr: errors.New("insert failed")}
	repo := postgres.NewJobRepo(pool)
	err := repo.Create(context.Background(), domain.Job{JobID: "job_1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestJobRepo_Get_Success(t *testing.T) {
	fixed := time.Now().UTC()
	pool := &jobsPoolStub{row: jobRow{job: domain.Job{
		JobID: "job_1", RequestID: "req1", UserID: "u1", ModelID: "m1", Status: domain.JobRunning,
		CreatedAt: fixed, UpdatedAt: fixed,
	}}}
	repo := postgres.NewJobRepo(pool)
	j, err := repo.Get(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.JobID != "job_1" || j.Status != domain.JobRunning {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &jobsPoolStub{row: jobRow{err: pgx.ErrNoRows}}
	repo := postgres.NewJobRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepo_FindByRequestID_NotFound(t *testing.T) {
	pool := &jobsPoolStub{row: jobRow{err: pgx.ErrNoRows}}
	repo := postgres.NewJobRepo(pool)
	_, found, err := repo.FindByRequestID(context.Background(), "missing")
	if err != nil || found {
		t.Fatalf("expected not-found without error, got found=%v err=%v", found, err)
	}
}
