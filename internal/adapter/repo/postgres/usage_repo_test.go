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

type usageRow struct {
	scan func(dest ...any) error
}

func (r usageRow) Scan(dest ...any) error { return r.scan(dest...) }

type usagePoolStub struct {
	execErr error
	row     usageRow
}

func (p *usagePoolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, p.execErr
}
func (p *usagePoolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return p.row }
func (p *usagePoolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}
func (p *usagePoolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not stubbed")
}

func TestUsageRepo_GetHourlyFreeUsage_NotFoundReturnsZeroValue(t *testing.T) {
	pool := &usagePoolStub{row: usageRow{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewUsageRepo(pool)
	u, err := repo.GetHourlyFreeUsage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetHourlyFreeUsage: %v", err)
	}
	if u.UserID != "u1" || u.UsedCount != 0 {
		t.Fatalf("expected zero-value window, got %+v", u)
	}
}

func TestUsageRepo_GetHourlyFreeUsage_Found(t *testing.T) {
	fixed := time.Now().UTC()
	pool := &usagePoolStub{row: usageRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "u1"
		*(dest[1].(*time.Time)) = fixed
		*(dest[2].(*int)) = 3
		return nil
	}}}
	repo := postgres.NewUsageRepo(pool)
	u, err := repo.GetHourlyFreeUsage(context.Background(), "u1")
	if err != nil || u.UsedCount != 3 {
		t.Fatalf("unexpected result: %+v err=%v", u, err)
	}
}

func TestUsageRepo_SetHourlyFreeUsage_Error(t *testing.T) {
	pool := &usagePoolStub{execErr: errors.New("db down")}
	repo := postgres.NewUsageRepo(pool)
	err := repo.SetHourlyFreeUsage(context.Background(), domain.HourlyFreeUsage{UserID: "u1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestUsageRepo_GetReferralBalance_AbsentIsZero(t *testing.T) {
	pool := &usagePoolStub{row: usageRow{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewUsageRepo(pool)
	balance, err := repo.GetReferralBalance(context.Background(), "u1")
	if err != nil || balance != 0 {
		t.Fatalf("expected 0, nil got %d %v", balance, err)
	}
}

func TestUsageRepo_AddReferralBalance_ReturnsNewBalance(t *testing.T) {
	pool := &usagePoolStub{row: usageRow{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 5
		return nil
	}}}
	repo := postgres.NewUsageRepo(pool)
	balance, err := repo.AddReferralBalance(context.Background(), "u1", 2)
	if err != nil || balance != 5 {
		t.Fatalf("unexpected result: %d %v", balance, err)
	}
}
