// Package reconciler implements the two background sweeps of spec §4.9 and
// §4.10: recovering jobs stuck in a non-terminal status, and jobs whose
// dedupe entry never received a provider task id. Both are modeled on the
// teacher's stuck-job sweeper: an immediate first pass, then a ticker loop
// that exits on context cancellation.
package reconciler

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// ProviderStatusGetter is the subset of the Provider Client the Pending
// Reconciler needs.
type ProviderStatusGetter interface {
	GetTaskStatus(ctx context.Context, taskID, correlationID string) (domain.TaskStatus, error)
}

// Deliverer delivers a resolved JobResult and commits its charge; supplied
// by the engine/billing wiring so the reconciler does not import them
// directly and create an import cycle.
type Deliverer interface {
	DeliverAndCharge(ctx context.Context, job domain.Job, result domain.JobResult) error
}

// PendingSweeper periodically polls jobs still in a non-terminal status and
// either completes them via the Deliverer or marks them failed.
type PendingSweeper struct {
	Jobs       domain.JobStore
	Provider   ProviderStatusGetter
	Deliver    Deliverer
	Interval   time.Duration
	BatchLimit int
	// AlertThreshold triggers a log-level alert when a sweep observes at
	// least this many non-terminal jobs (spec §5 queue-tail alert).
	AlertThreshold int

	degrade      *degradeBackoff
	currentDelay time.Duration
}

// NewPendingSweeper builds a PendingSweeper with spec-default bounds when
// zero values are supplied.
func NewPendingSweeper(jobs domain.JobStore, provider ProviderStatusGetter, deliver Deliverer, interval time.Duration, batchLimit int) *PendingSweeper {
	if jobs == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &PendingSweeper{
		Jobs: jobs, Provider: provider, Deliver: deliver, Interval: interval, BatchLimit: batchLimit, AlertThreshold: 500,
		degrade: newDegradeBackoff(time.Second, 30*time.Second),
	}
}

var pendingStatuses = []domain.JobStatus{domain.JobQueued, domain.JobRunning, domain.JobTimeout}

// Run executes an immediate sweep, then loops until ctx is canceled. A
// failed list degrades the next fire to an exponential backoff (spec §5:
// "storage errors inside reconcilers cause exponential backoff but never
// abort the loop"); a successful pass resets to Interval.
func (s *PendingSweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)
	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sweepOnce(ctx)
			timer.Reset(s.nextInterval())
		}
	}
}

func (s *PendingSweeper) nextInterval() time.Duration {
	if s.currentDelay < s.Interval {
		return s.Interval
	}
	return s.currentDelay
}

func (s *PendingSweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	tr := otel.Tracer("reconciler.pending")
	ctx, span := tr.Start(ctx, "PendingSweeper.sweepOnce")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)
	jobs, err := s.Jobs.ListByStatus(ctx, pendingStatuses, 0, s.BatchLimit)
	if err != nil {
		lg.Error("pending sweep list failed", "error", err)
		s.currentDelay = s.degrade.next()
		observability.ReconcilerSweepDuration.WithLabelValues("pending").Observe(time.Since(start).Seconds())
		return
	}
	s.degrade.reset()
	s.currentDelay = 0

	if len(jobs) >= s.AlertThreshold {
		lg.Warn("pending queue tail alert", "count", len(jobs), "threshold", s.AlertThreshold)
	}
	observability.PendingAgeP95Seconds.Set(pendingAgeP95(jobs))

	for _, job := range jobs {
		s.reconcileJob(ctx, job)
	}
	observability.ReconcilerSweepDuration.WithLabelValues("pending").Observe(time.Since(start).Seconds())
}

func (s *PendingSweeper) reconcileJob(ctx context.Context, job domain.Job) {
	lg := observability.LoggerFromContext(ctx)
	if s.Provider == nil || job.ProviderTaskID == "" {
		return
	}
	status, err := s.Provider.GetTaskStatus(ctx, job.ProviderTaskID, job.JobID)
	if err != nil {
		lg.Warn("pending sweep status check failed", "job_id", job.JobID, "error", err)
		return
	}
	state := domain.NormalizeProviderState(status.RawState)
	switch state {
	case domain.ProviderSucceeded:
		if s.Deliver == nil {
			return
		}
		result := domain.JobResult{TaskID: job.ProviderTaskID, State: state, URLs: status.ResultURLs, Raw: map[string]any{"resultJson": status.ResultJSON}}
		if err := s.Deliver.DeliverAndCharge(ctx, job, result); err != nil {
			lg.Error("pending sweep delivery failed", "job_id", job.JobID, "error", err)
		}
	case domain.ProviderFailed:
		_ = s.Jobs.UpdateStatus(ctx, job.JobID, domain.JobFailed, domain.ErrCodeFailState, status.FailMsg, nil, "")
	default:
		// still in flight; nothing to do until the next sweep
	}
}

func pendingAgeP95(jobs []domain.Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	now := time.Now()
	ages := make([]float64, 0, len(jobs))
	for _, j := range jobs {
		ages = append(ages, now.Sub(j.CreatedAt).Seconds())
	}
	sort.Float64s(ages)
	idx := int(math.Ceil(0.95*float64(len(ages)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ages) {
		idx = len(ages) - 1
	}
	return ages[idx]
}
