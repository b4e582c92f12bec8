// Package domain defines the orchestrator's core entities, error taxonomy,
// and the port interfaces every adapter implements. It depends on nothing
// outside the standard library so that usecase code can be tested without
// any concrete adapter.
package domain

import (
	"strings"
	"time"
)

// RetryConfig controls the Provider Client's and reconcilers' backoff loops.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// RetryableErrors lists substrings of an error's message that mark it
	// as transient and worth retrying.
	RetryableErrors []string
	// NonRetryableErrors lists substrings that short-circuit retries even
	// if a RetryableErrors substring also matches.
	NonRetryableErrors []string
}

// DefaultRetryConfig mirrors spec §4.1: exponential backoff with a base
// delay, doubling, and a cap, applied to network errors, 429, and 5xx.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			string(ErrCodeRateLimit),
			string(ErrCodeServerError),
			string(ErrCodeTimeout),
		},
		NonRetryableErrors: []string{
			string(ErrCodeUnauthorized),
			string(ErrCodePaymentRequired),
			string(ErrCodeValidation),
		},
	}
}

// ShouldRetry reports whether err should trigger another attempt given the
// number of attempts already made.
func ShouldRetry(err error, attempt int, cfg RetryConfig) bool {
	if err == nil {
		return false
	}
	if attempt >= cfg.MaxRetries {
		return false
	}
	msg := err.Error()
	for _, nr := range cfg.NonRetryableErrors {
		if nr != "" && strings.Contains(msg, nr) {
			return false
		}
	}
	for _, r := range cfg.RetryableErrors {
		if r != "" && strings.Contains(msg, r) {
			return true
		}
	}
	return false
}

// NextBackoff computes the delay before the next attempt: exponential with
// doubling, capped at MaxDelay, plus uniform jitter in [0, delay) when
// Jitter is set. jitterFrac must be a value in [0,1), supplied by the
// caller so this function stays deterministic and testable.
func NextBackoff(cfg RetryConfig, attempt int, jitterFrac float64) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	d := time.Duration(delay)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter && jitterFrac > 0 {
		if jitterFrac >= 1 {
			jitterFrac = 0.999
		}
		d += time.Duration(float64(d) * jitterFrac)
	}
	return d
}
