// Package engine implements the Job Engine (C5), the orchestration core
// that drives a single generation job through Validate -> Submit -> Poll
// -> Resolve -> Return, wiring together the Dedupe Store, Distributed
// Lock, Request Tracker, Provider Client, and Result Normalizer. The
// Billing Gate's pre-flight affordability check is not run here;
// internal/service runs it before calling RunGeneration.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/normalizer"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// Options carries the per-call tuning knobs spec §4.5 names on
// runGeneration (timeout, poll_interval, correlation_id, ...).
type Options struct {
	RequestID         string
	PromptFingerprint string
	Prompt            string
	JobID             string
	CorrelationID     string
	Timeout           time.Duration
	PollInterval      time.Duration
	WaitingTimeout    time.Duration
	// OnWaitingTimeout is invoked once the waiting-timeout watchdog fires
	// while the task is still queued/waiting. It may return a new task id
	// to switch polling to, or ok=false to keep polling the same task.
	OnWaitingTimeout func(ctx context.Context, oldTaskID string) (newTaskID string, ok bool)
}

// Engine implements runGeneration against its storage and transport
// collaborators.
type Engine struct {
	Provider        domain.ProviderClient
	Dedupe          domain.DedupeStore
	Locker          domain.Locker
	Tracker         domain.RequestTracker
	Catalog         domain.Catalog
	Jobs            domain.JobStore
	Normalizer      normalizer.Options
	DedupeTTL       time.Duration
	LockTTL         time.Duration
	LockWait        time.Duration
	LockMaxTry      int
	PollMaxAttempts int
	RetryConfig     domain.RetryConfig
}

// New builds an Engine with the spec's default tuning.
func New(provider domain.ProviderClient, dedupe domain.DedupeStore, locker domain.Locker, tracker domain.RequestTracker, catalog domain.Catalog, jobs domain.JobStore, normOpts normalizer.Options) *Engine {
	return &Engine{
		Provider:        provider,
		Dedupe:          dedupe,
		Locker:          locker,
		Tracker:         tracker,
		Catalog:         catalog,
		Jobs:            jobs,
		Normalizer:      normOpts,
		DedupeTTL:       time.Hour,
		LockTTL:         10 * time.Second,
		LockWait:        5 * time.Second,
		LockMaxTry:      3,
		PollMaxAttempts: 80,
		RetryConfig:     domain.DefaultRetryConfig(),
	}
}

// RunGeneration implements spec §4.5's five phases.
func (e *Engine) RunGeneration(ctx context.Context, userID, modelID string, params map[string]any, opts Options) (domain.JobResult, error) {
	start := time.Now()
	lg := observability.LoggerFromContext(ctx).With("action", "KIE_RUN", "user_id", userID, "model_id", modelID, "correlation_id", opts.CorrelationID)

	if opts.Timeout <= 0 {
		opts.Timeout = 900 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.WaitingTimeout <= 0 {
		opts.WaitingTimeout = 120 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// Phase 1: Validate.
	spec, payload, err := e.validate(runCtx, modelID, params)
	if err != nil {
		observability.JobPhaseDuration.WithLabelValues("validate").Observe(time.Since(start).Seconds())
		return domain.JobResult{}, err
	}

	dedupeKey := domain.DedupeKey(userID, modelID, opts.PromptFingerprint)

	if jobID, taskID, ok := e.Tracker.SeenRecently(dedupeKey); ok && opts.JobID == "" {
		lg.Info("request collapsed by in-process tracker", "job_id", jobID, "provider_task_id", taskID)
	}

	handle, err := e.Locker.Acquire(runCtx, dedupeKey, e.LockTTL, e.LockWait, e.LockMaxTry)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=engine.RunGeneration acquire lock: %w", err)
	}
	defer func() { _ = handle.Release(ctx) }()

	// Phase 2: Submit (or resume an in-flight dedupe entry).
	taskID, jobID, err := e.submit(runCtx, userID, modelID, opts, payload, dedupeKey)
	if err != nil {
		observability.JobPhaseDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
		return domain.JobResult{}, err
	}
	e.Tracker.Record(dedupeKey, jobID, taskID)

	// Phase 3: Poll.
	status, err := e.poll(runCtx, taskID, opts, dedupeKey, jobID)
	if err != nil {
		observability.JobPhaseDuration.WithLabelValues("poll").Observe(time.Since(start).Seconds())
		return domain.JobResult{}, err
	}

	// Phase 4: Resolve result.
	result, err := normalizer.Normalize(runCtx, status, spec, e.Normalizer)
	if err != nil {
		lg.Error("result parse failed", "error", err, "action", "KIE_PARSE")
		_ = e.updateDedupe(runCtx, dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
			cur.Status = domain.JobFailed
			return cur
		})
		return domain.JobResult{}, err
	}

	// Phase 5: Return.
	_ = e.updateDedupe(runCtx, dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
		cur.Status = domain.JobCompleted
		cur.MediaType = result.MediaType
		cur.ResultURLs = result.URLs
		cur.ResultText = result.Text
		return cur
	})
	if e.Jobs != nil {
		_ = e.Jobs.UpdateStatus(runCtx, jobID, domain.JobCompleted, "", "", result.URLs, result.Text)
	}

	lg.Info("generation completed", "action", "KIE_DONE", "duration_ms", time.Since(start).Milliseconds())
	observability.JobPhaseDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	return result, nil
}

func (e *Engine) validate(_ context.Context, modelID string, params map[string]any) (domain.ModelSpec, map[string]any, error) {
	spec, err := e.Catalog.GetModelSpec(context.Background(), modelID)
	if err != nil {
		return domain.ModelSpec{}, nil, domain.NewCodedError(domain.ErrCodeValidation, "", "unknown model", err)
	}

	payload := make(map[string]any, len(spec.InputSchema))
	for _, field := range spec.InputSchema {
		v, present := params[field.Name]
		if !present {
			if field.Default != nil {
				payload[providerFieldName(field)] = field.Default
				continue
			}
			if field.Required {
				return domain.ModelSpec{}, nil, domain.NewCodedError(domain.ErrCodeValidation, "", "missing required field: "+field.Name, domain.ErrValidation)
			}
			continue
		}
		if field.Type == "enum" && len(field.Enum) > 0 && !containsString(field.Enum, fmt.Sprintf("%v", v)) {
			return domain.ModelSpec{}, nil, domain.NewCodedError(domain.ErrCodeInvalidEnum, "", "invalid value for "+field.Name, domain.ErrValidation)
		}
		payload[providerFieldName(field)] = coerceValue(field, v)
	}
	return spec, payload, nil
}

// coerceValue applies the Validate phase's type coercion for the handful
// of scalar kinds ModelSpec declares; unrecognized types pass through as-is
// so provider-specific fields (urls, url_list) keep their native shape.
func coerceValue(field domain.FieldSpec, v any) any {
	switch field.Type {
	case "number":
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case string:
			var f float64
			if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
				return f
			}
		}
	case "bool":
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return b == "true" || b == "1"
		}
	case "string":
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return v
}

// providerFieldName adapts spec-facing field names to the provider's
// per-model field names (e.g. image_input -> image_urls), per spec §4.5
// step 1's "fixed mapping".
func providerFieldName(field domain.FieldSpec) string {
	if field.ProviderField != "" {
		return field.ProviderField
	}
	return field.Name
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (e *Engine) submit(ctx context.Context, userID, modelID string, opts Options, payload map[string]any, dedupeKey string) (taskID, jobID string, err error) {
	lg := observability.LoggerFromContext(ctx).With("action", "KIE_CREATE")

	existing, found, err := e.Dedupe.Get(ctx, dedupeKey)
	if err == nil && found && existing.ProviderTaskID != "" && !existing.Status.Terminal() {
		return existing.ProviderTaskID, existing.JobID, nil
	}

	jobID = opts.JobID
	if jobID == "" {
		jobID = newULIDLike()
	}

	if err := e.Dedupe.Set(ctx, domain.DedupeEntry{
		UserID: userID, ModelID: modelID, PromptFingerprint: opts.PromptFingerprint,
		JobID: jobID, Status: domain.JobCreated, RequestID: opts.RequestID, UpdatedTS: time.Now(),
	}, e.DedupeTTL); err != nil {
		return "", "", fmt.Errorf("op=engine.submit dedupe set: %w", err)
	}

	taskID, err = e.Provider.CreateTask(ctx, modelID, payload, "", opts.CorrelationID)
	if err != nil {
		lg.Error("create task failed", "error", err)
		return "", "", domain.NewCodedError(domain.ErrCodeServerError, opts.CorrelationID, "could not start the job, please retry", domain.ErrProviderRequestFailed)
	}

	if err := e.updateDedupe(ctx, dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
		cur.ProviderTaskID = taskID
		cur.Status = domain.JobQueued
		return cur
	}); err != nil {
		lg.Warn("dedupe update after create failed", "error", err)
	}

	if e.Jobs != nil {
		_ = e.Jobs.Create(ctx, domain.Job{
			JobID: jobID, RequestID: opts.RequestID, UserID: userID, ModelID: modelID,
			PromptFingerprint: opts.PromptFingerprint, Params: payload, ProviderTaskID: taskID,
			Status: domain.JobQueued, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	}

	lg.Info("task created", "provider_task_id", taskID, "job_id", jobID)
	return taskID, jobID, nil
}

func (e *Engine) poll(ctx context.Context, taskID string, opts Options, dedupeKey, jobID string) (domain.TaskStatus, error) {
	lg := observability.LoggerFromContext(ctx).With("action", "KIE_POLL")

	watchdogDeadline := time.Now().Add(opts.WaitingTimeout)
	attempt := 0
	pollCount := 0
	maxAttempts := e.PollMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 80
	}

	for {
		select {
		case <-ctx.Done():
			return domain.TaskStatus{}, e.pollCtxDoneErr(ctx, dedupeKey, taskID, opts)
		default:
		}

		pollCount++
		if pollCount > maxAttempts {
			_ = e.updateDedupe(context.Background(), dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
				cur.Status = domain.JobTimeout
				return cur
			})
			return domain.TaskStatus{}, domain.NewCodedError(domain.ErrCodeTimeout, opts.CorrelationID, "job exhausted max poll attempts", domain.ErrTimeout)
		}

		status, err := e.Provider.GetTaskStatus(ctx, taskID, opts.CorrelationID)
		if err != nil {
			attempt++
			if !domain.ShouldRetry(err, attempt, e.RetryConfig) {
				return domain.TaskStatus{}, domain.NewCodedError(domain.ErrCodeServerError, opts.CorrelationID, "", err)
			}
			if err := sleepCtx(ctx, domain.NextBackoff(e.RetryConfig, attempt, jitterFrac())); err != nil {
				return domain.TaskStatus{}, err
			}
			continue
		}

		state := domain.NormalizeProviderState(status.RawState)
		_ = e.updateDedupe(ctx, dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
			cur.Status = providerStateToJobStatus(state)
			return cur
		})

		switch state {
		case domain.ProviderSucceeded:
			lg.Info("task succeeded", "provider_task_id", taskID)
			return status, nil
		case domain.ProviderFailed:
			return domain.TaskStatus{}, domain.NewCodedError(domain.ErrCodeFailState, opts.CorrelationID, status.FailMsg, domain.ErrProviderJobFailed)
		case domain.ProviderCanceled:
			_ = e.Provider.CancelTask(ctx, taskID, opts.CorrelationID)
			return domain.TaskStatus{}, domain.ErrCanceled
		case domain.ProviderQueued:
			if opts.OnWaitingTimeout != nil && time.Now().After(watchdogDeadline) {
				if newTaskID, ok := opts.OnWaitingTimeout(ctx, taskID); ok && newTaskID != "" {
					lg.Warn("waiting-timeout watchdog switched task", "old_task_id", taskID, "new_task_id", newTaskID)
					taskID = newTaskID
					watchdogDeadline = time.Now().Add(opts.WaitingTimeout)
				}
			}
		}

		if err := sleepCtx(ctx, opts.PollInterval); err != nil {
			return domain.TaskStatus{}, e.pollCtxDoneErr(ctx, dedupeKey, taskID, opts)
		}
	}
}

// pollCtxDoneErr classifies why the poll loop's context ended: an ordinary
// wall-clock timeout (spec §4.5's runGeneration timeout) marks the job
// timed out with no compensating call, while an externally canceled scope
// runs the compensating cancelTask per spec §5 ("Cancellation...runs a
// compensating cancelTask...No pending charge is committed on cancel").
func (e *Engine) pollCtxDoneErr(ctx context.Context, dedupeKey, taskID string, opts Options) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		_ = e.updateDedupe(context.Background(), dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
			cur.Status = domain.JobTimeout
			return cur
		})
		return domain.NewCodedError(domain.ErrCodeTimeout, opts.CorrelationID, "job took too long", domain.ErrTimeout)
	}
	_ = e.Provider.CancelTask(context.Background(), taskID, opts.CorrelationID)
	_ = e.updateDedupe(context.Background(), dedupeKey, func(cur domain.DedupeEntry) domain.DedupeEntry {
		cur.Status = domain.JobCanceled
		return cur
	})
	return domain.ErrCanceled
}

func providerStateToJobStatus(s domain.ProviderState) domain.JobStatus {
	switch s {
	case domain.ProviderQueued:
		return domain.JobQueued
	case domain.ProviderRunning:
		return domain.JobRunning
	case domain.ProviderSucceeded:
		return domain.JobSucceeded
	case domain.ProviderFailed:
		return domain.JobFailed
	case domain.ProviderCanceled:
		return domain.JobCanceled
	default:
		return domain.JobRunning
	}
}

func (e *Engine) updateDedupe(ctx context.Context, key string, mutate func(domain.DedupeEntry) domain.DedupeEntry) error {
	return e.Dedupe.Update(ctx, key, func(current domain.DedupeEntry, found bool) (domain.DedupeEntry, error) {
		next := mutate(current)
		next.UpdatedTS = time.Now()
		return next, nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jitterFrac() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

func newULIDLike() string {
	return "job_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
