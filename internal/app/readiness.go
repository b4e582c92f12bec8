// Package app wires the orchestrator's components and exposes startup
// helpers: the ambient HTTP surface, readiness probes, and reconciler
// supervisors. The submit/poll/deliver pipeline itself lives in
// internal/engine; this package only boots and connects it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kie-forge/genorchestrator/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the minimal interface for a Redis client capable of Ping.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns readiness checks for the storage façade's
// database (when STORAGE_MODE=db), the dedupe/lock Redis backend, and the
// provider's base URL.
func BuildReadinessChecks(cfg config.Config, db Pinger, rdb RedisPinger) (
	dbCheck func(ctx context.Context) error,
	redisCheck func(ctx context.Context) error,
	providerCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if cfg.StorageMode != "db" {
			return nil
		}
		if db == nil {
			return fmt.Errorf("db not configured")
		}
		return db.Ping(ctx)
	}
	redisCheck = func(ctx context.Context) error {
		if rdb == nil {
			// Degraded mode is a valid running state: lock/dedupe fall back
			// to in-process implementations.
			return nil
		}
		return rdb.Ping(ctx)
	}
	providerCheck = func(ctx context.Context) error {
		if cfg.KIEStub {
			return nil
		}
		client := &http.Client{Timeout: 2 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.KIEAPIURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("provider status %d", resp.StatusCode)
		}
		return nil
	}
	return dbCheck, redisCheck, providerCheck
}
