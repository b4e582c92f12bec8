package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kie-forge/genorchestrator/internal/adapter/repo/postgres"
	"github.com/kie-forge/genorchestrator/internal/domain"
)

type deliveryRow struct {
	scan func(dest ...any) error
}

func (r deliveryRow) Scan(dest ...any) error { return r.scan(dest...) }

type deliveryPoolStub struct {
	execErr error
	execTag pgconn.CommandTag
	row     deliveryRow
}

func (p *deliveryPoolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}
func (p *deliveryPoolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return p.row }
func (p *deliveryPoolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}
func (p *deliveryPoolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not stubbed")
}

func TestDeliveryRepo_Reserve_FirstCallSucceeds(t *testing.T) {
	pool := &deliveryPoolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewDeliveryRepo(pool)
	reserved, err := repo.Reserve(context.Background(), "u1", "task-1")
	if err != nil || !reserved {
		t.Fatalf("expected reserved=true, got %v err=%v", reserved, err)
	}
}

func TestDeliveryRepo_Reserve_ConflictReturnsFalse(t *testing.T) {
	pool := &deliveryPoolStub{execTag: pgconn.NewCommandTag("INSERT 0 0")}
	repo := postgres.NewDeliveryRepo(pool)
	reserved, err := repo.Reserve(context.Background(), "u1", "task-1")
	if err != nil || reserved {
		t.Fatalf("expected reserved=false on conflict, got %v err=%v", reserved, err)
	}
}

func TestDeliveryRepo_MarkDelivered_Error(t *testing.T) {
	pool := &deliveryPoolStub{execErr: errors.New("db down")}
	repo := postgres.NewDeliveryRepo(pool)
	err := repo.MarkDelivered(context.Background(), "u1", "task-1", []string{"https://cdn.example.com/a.png"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestDeliveryRepo_Get_NotFound(t *testing.T) {
	pool := &deliveryPoolStub{row: deliveryRow{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewDeliveryRepo(pool)
	_, found, err := repo.Get(context.Background(), "u1", "task-1")
	if err != nil || found {
		t.Fatalf("expected not-found without error, got found=%v err=%v", found, err)
	}
}

func TestDeliveryRepo_Get_Found(t *testing.T) {
	pool := &deliveryPoolStub{row: deliveryRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "u1"
		*(dest[1].(*string)) = "task-1"
		*(dest[2].(*string)) = string(domain.DeliveryDelivered)
		*(dest[3].(*int)) = 1
		*(dest[4].(*string)) = ""
		*(dest[5].(*[]string)) = []string{"https://cdn.example.com/a.png"}
		*(dest[6].(*bool)) = true
		return nil
	}}}
	repo := postgres.NewDeliveryRepo(pool)
	rec, found, err := repo.Get(context.Background(), "u1", "task-1")
	if err != nil || !found || rec.Status != domain.DeliveryDelivered || !rec.Charged {
		t.Fatalf("unexpected result: %+v found=%v err=%v", rec, found, err)
	}
}

func TestDeliveryRepo_MarkCharged_Error(t *testing.T) {
	pool := &deliveryPoolStub{execErr: errors.New("db down")}
	repo := postgres.NewDeliveryRepo(pool)
	if err := repo.MarkCharged(context.Background(), "u1", "task-1"); err == nil {
		t.Fatalf("expected error")
	}
}
