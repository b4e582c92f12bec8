package domain

import (
	"context"
	"time"
)

// Context is an alias kept for symmetry with the rest of the codebase; the
// domain package stays a pure Go value/interface library and never imports
// adapter code.
type Context = context.Context

// TaskStatus is the Provider Client's raw poll response, normalized by the
// Job Engine before it touches storage.
type TaskStatus struct {
	TaskID       string
	RawState     string
	ResultJSON   string
	ResultURLs   []string
	FailCode     string
	FailMsg      string
	CompleteTime time.Time
}

// ProviderClient is the typed HTTP client to the external provider (C1).
// Every method carries a correlation id for header propagation and log
// correlation.
type ProviderClient interface {
	CreateTask(ctx Context, modelID string, input map[string]any, callbackURL, correlationID string) (taskID string, err error)
	GetTaskStatus(ctx Context, taskID, correlationID string) (TaskStatus, error)
	CancelTask(ctx Context, taskID, correlationID string) error
	// WaitForTask polls GetTaskStatus every pollInterval until a terminal
	// state is observed or timeout elapses, per spec §4.1's
	// waitForTask(task_id, timeout, poll_interval). The Job Engine's own
	// poll loop runs its own richer version of this (watchdog switching,
	// dedupe bookkeeping, retry-aware backoff) rather than calling through
	// this method; it exists so simpler callers of the Provider Client port
	// get a one-shot "block until done" primitive without reimplementing
	// the poll loop themselves.
	WaitForTask(ctx Context, taskID string, timeout, pollInterval time.Duration, correlationID string) (TaskStatus, error)
}

// DedupeStore is the keyed store mapping (user, model, prompt fingerprint)
// to in-flight or recent job state (C2).
type DedupeStore interface {
	Get(ctx Context, key string) (DedupeEntry, bool, error)
	Set(ctx Context, entry DedupeEntry, ttl time.Duration) error
	// Update performs a CAS-like read-modify-write: fn receives the current
	// entry (zero value if absent) and whether it was found, and returns
	// the entry to persist, or an error that is returned to the caller.
	Update(ctx Context, key string, fn func(current DedupeEntry, found bool) (DedupeEntry, error)) error
	Delete(ctx Context, key string) error
	// List returns up to limit entries for reconciler sweeps.
	List(ctx Context, limit int) ([]DedupeEntry, error)
	// ResolveRequestID and ResolveJobID resolve the secondary indices.
	ResolveRequestID(ctx Context, requestID string) (key string, found bool, err error)
	ResolveJobID(ctx Context, jobID string) (providerTaskID string, found bool, err error)
}

// LockHandle is returned by Locker.Acquire and must be released on every
// exit path; a missed release is safe because the TTL reclaims the lock.
type LockHandle interface {
	Release(ctx Context) error
	Key() string
}

// Locker is the named, TTL'd, tenant-scoped mutex (C3).
type Locker interface {
	Acquire(ctx Context, key string, ttl time.Duration, wait time.Duration, maxAttempts int) (LockHandle, error)
}

// RequestTracker is the short-window in-memory idempotency cache (C4). It
// is an optimization, not a correctness layer: callers must still consult
// the Dedupe Store.
type RequestTracker interface {
	SeenRecently(key string) (jobID, taskID string, ok bool)
	Record(key, jobID, taskID string)
}

// Catalog is the read-only model catalog/pricing collaborator, explicitly
// out of scope for implementation (spec §1) but consumed through this
// interface.
type Catalog interface {
	GetModelSpec(ctx Context, modelID string) (ModelSpec, error)
}

// ChatTransport is the out-of-scope chat transport collaborator (spec §1):
// message rendering, keyboards, menus, translations live elsewhere. The
// Delivery Pipeline only needs to hand it a method + payload.
type ChatTransport interface {
	SendPhoto(ctx Context, chatID, url, caption string) error
	SendVideo(ctx Context, chatID, url, caption string) error
	SendAudio(ctx Context, chatID, url, caption string) error
	SendVoice(ctx Context, chatID, url, caption string) error
	SendAnimation(ctx Context, chatID, url, caption string) error
	SendDocument(ctx Context, chatID, url, caption string) error
	SendMediaGroup(ctx Context, chatID string, urls []string, method string) error
	SendMessage(ctx Context, chatID, text string) error
}

// JobStore persists Job records (part of the Storage Façade, C11).
type JobStore interface {
	Create(ctx Context, job Job) error
	UpdateStatus(ctx Context, jobID string, status JobStatus, errCode ErrorCode, errMsg string, resultURLs []string, resultText string) error
	Get(ctx Context, jobID string) (Job, error)
	FindByRequestID(ctx Context, requestID string) (Job, bool, error)
	ListByStatus(ctx Context, statuses []JobStatus, offset, limit int) ([]Job, error)
}

// DeliveryStore persists DeliveryRecord rows.
type DeliveryStore interface {
	// Reserve performs the CAS transition absent -> delivering, returning
	// false if a record already exists for the key.
	Reserve(ctx Context, userID, providerTaskID string) (reserved bool, err error)
	MarkDelivered(ctx Context, userID, providerTaskID string, urls []string) error
	MarkFailed(ctx Context, userID, providerTaskID, reason string) error
	Get(ctx Context, userID, providerTaskID string) (DeliveryRecord, bool, error)
	// MarkCharged persists that CommitPostDeliveryCharge has run for this
	// key, so a process restart can't re-run the charge against a
	// delivery record that already reports delivered=true.
	MarkCharged(ctx Context, userID, providerTaskID string) error
}

// UsageStore persists HourlyFreeUsage and ReferralBonusBank rows.
type UsageStore interface {
	GetHourlyFreeUsage(ctx Context, userID string) (HourlyFreeUsage, error)
	SetHourlyFreeUsage(ctx Context, usage HourlyFreeUsage) error
	GetReferralBalance(ctx Context, userID string) (int, error)
	AddReferralBalance(ctx Context, userID string, delta int) (int, error)
}

// BalanceStore persists per-user monetary balances for paid charges.
type BalanceStore interface {
	GetUserBalance(ctx Context, userID string) (float64, error)
	SubtractUserBalance(ctx Context, userID string, amount float64) (newBalance float64, err error)
}
