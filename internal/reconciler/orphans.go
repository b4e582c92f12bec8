package reconciler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// orphanStatuses are the dedupe statuses a DedupeEntry can sit in while
// missing a provider task id, per spec §4.10.
var orphanStatuses = map[domain.JobStatus]struct{}{
	domain.JobCreated: {},
	domain.JobQueued:  {},
	domain.JobRunning: {},
}

// OrphanResolver optionally recovers a provider task id for an orphaned
// entry when the Provider Client exposes one (spec §4.10 step b).
type OrphanResolver interface {
	ResolveOrphan(ctx context.Context, entry domain.DedupeEntry) (taskID string, ok bool, err error)
}

// OrphanNotifier sends the affected user a Retry-able notification.
type OrphanNotifier interface {
	NotifyOrphan(ctx context.Context, userID, jobID string) error
}

// OrphanSweeper sweeps DedupeEntries missing a provider task id (C10).
type OrphanSweeper struct {
	Dedupe         domain.DedupeStore
	Resolver       OrphanResolver
	Notifier       OrphanNotifier
	Interval       time.Duration
	BatchLimit     int
	MaxAge         time.Duration
	NotifyCooldown time.Duration

	degrade      *degradeBackoff
	currentDelay time.Duration
}

// NewOrphanSweeper builds an OrphanSweeper with spec-default bounds.
func NewOrphanSweeper(dedupe domain.DedupeStore, resolver OrphanResolver, notifier OrphanNotifier, interval, maxAge, notifyCooldown time.Duration, batchLimit int) *OrphanSweeper {
	if dedupe == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if notifyCooldown <= 0 {
		notifyCooldown = 30 * time.Minute
	}
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &OrphanSweeper{
		Dedupe: dedupe, Resolver: resolver, Notifier: notifier,
		Interval: interval, BatchLimit: batchLimit, MaxAge: maxAge, NotifyCooldown: notifyCooldown,
		degrade: newDegradeBackoff(time.Second, 30*time.Second),
	}
}

// Run executes an immediate sweep, then loops on Interval until ctx is
// canceled. Storage errors degrade to exponential backoff rather than
// aborting the loop, per spec §4.10.
func (s *OrphanSweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)
	timer := time.NewTimer(s.Interval)
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

func (s *OrphanSweeper) nextInterval() time.Duration {
	if s.currentDelay < s.Interval {
		return s.Interval
	}
	return s.currentDelay
}

func (s *OrphanSweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	tr := otel.Tracer("reconciler.orphans")
	ctx, span := tr.Start(ctx, "OrphanSweeper.sweepOnce")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)
	entries, err := s.Dedupe.List(ctx, s.BatchLimit)
	if err != nil {
		lg.Error("orphan sweep list failed", "error", err)
		s.currentDelay = s.degrade.next()
		observability.ReconcilerSweepDuration.WithLabelValues("orphans").Observe(time.Since(start).Seconds())
		return
	}
	s.degrade.reset()
	s.currentDelay = 0

	now := time.Now()
	orphanCount := 0
	for _, e := range entries {
		if e.ProviderTaskID != "" {
			continue
		}
		if _, isOrphanStatus := orphanStatuses[e.Status]; !isOrphanStatus {
			continue
		}
		orphanCount++
		s.reconcileEntry(ctx, e, now)
	}
	observability.OrphanCount.Set(float64(orphanCount))
	observability.ReconcilerSweepDuration.WithLabelValues("orphans").Observe(time.Since(start).Seconds())
}

func (s *OrphanSweeper) reconcileEntry(ctx context.Context, e domain.DedupeEntry, now time.Time) {
	lg := observability.LoggerFromContext(ctx)

	if taskID, ok, found := s.tryRecover(ctx, e); found {
		if ok {
			_ = s.Dedupe.Update(ctx, e.Key(), func(cur domain.DedupeEntry, exists bool) (domain.DedupeEntry, error) {
				if !exists {
					return cur, domain.ErrNotFound
				}
				cur.ProviderTaskID = taskID
				cur.Status = domain.JobRunning
				cur.UpdatedTS = now
				return cur, nil
			})
			lg.Info("orphan recovered", "job_id", e.JobID, "task_id", taskID)
			return
		}
	}

	if now.Sub(e.UpdatedTS) < s.MaxAge {
		return
	}

	_ = s.Dedupe.Update(ctx, e.Key(), func(cur domain.DedupeEntry, exists bool) (domain.DedupeEntry, error) {
		if !exists {
			return cur, domain.ErrNotFound
		}
		cur.Status = domain.JobFailed
		cur.RecoveryAttempts++
		cur.LastRecoveryTS = now
		return cur, nil
	})

	if s.Notifier == nil {
		return
	}
	if now.Sub(e.OrphanNotifiedTS) < s.NotifyCooldown {
		return
	}
	if err := s.Notifier.NotifyOrphan(ctx, e.UserID, e.JobID); err != nil {
		lg.Warn("orphan notify failed", "job_id", e.JobID, "error", err)
		return
	}
	_ = s.Dedupe.Update(ctx, e.Key(), func(cur domain.DedupeEntry, exists bool) (domain.DedupeEntry, error) {
		if !exists {
			return cur, domain.ErrNotFound
		}
		cur.OrphanNotifiedTS = now
		return cur, nil
	})
}

// tryRecover attempts the local job_id->task_id index first, then the
// provider resolver. found reports whether a recovery attempt was made at
// all; the caller acts only on ok, and increments RecoveryAttempts when it
// fails an entry past MaxAge, whether or not an attempt was made.
func (s *OrphanSweeper) tryRecover(ctx context.Context, e domain.DedupeEntry) (taskID string, ok bool, found bool) {
	if tid, idxFound, err := s.Dedupe.ResolveJobID(ctx, e.JobID); err == nil && idxFound && tid != "" {
		return tid, true, true
	}
	if s.Resolver == nil {
		return "", false, false
	}
	tid, resolved, err := s.Resolver.ResolveOrphan(ctx, e)
	if err != nil {
		return "", false, true
	}
	return tid, resolved, true
}
