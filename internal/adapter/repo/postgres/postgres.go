//go:build ignore

// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

// Legacy stub file intentionally ignored by the Go build.
// Real implementations live in: conn.go, jobs_repo.go, delivery_repo.go, usage_repo.go, balance_repo.go, cleanup.go
