package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]domain.Job
	listErr error
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: map[string]domain.Job{}} }

func (f *fakeJobStore) Create(_ domain.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeJobStore) UpdateStatus(_ domain.Context, jobID string, status domain.JobStatus, code domain.ErrorCode, msg string, urls []string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	j.ErrorCode = code
	j.ErrorMessage = msg
	if urls != nil {
		j.ResultURLs = urls
	}
	if text != "" {
		j.ResultText = text
	}
	f.jobs[jobID] = j
	return nil
}

func (f *fakeJobStore) Get(_ domain.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobStore) FindByRequestID(_ domain.Context, requestID string) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.RequestID == requestID {
			return j, true, nil
		}
	}
	return domain.Job{}, false, nil
}

func (f *fakeJobStore) ListByStatus(_ domain.Context, statuses []domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	want := map[domain.JobStatus]struct{}{}
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []domain.Job
	for _, j := range f.jobs {
		if _, ok := want[j.Status]; ok {
			out = append(out, j)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeStatusGetter struct {
	status domain.TaskStatus
	err    error
}

func (f fakeStatusGetter) GetTaskStatus(_ context.Context, _, _ string) (domain.TaskStatus, error) {
	return f.status, f.err
}

type fakeDeliverer struct {
	calls int
	err   error
}

func (f *fakeDeliverer) DeliverAndCharge(_ context.Context, _ domain.Job, _ domain.JobResult) error {
	f.calls++
	return f.err
}

func TestPendingSweeper_DeliversSucceededJob(t *testing.T) {
	jobs := newFakeJobStore()
	_ = jobs.Create(context.Background(), domain.Job{JobID: "job-1", ProviderTaskID: "task-1", Status: domain.JobRunning})

	deliver := &fakeDeliverer{}
	sweeper := NewPendingSweeper(jobs, fakeStatusGetter{status: domain.TaskStatus{RawState: "success", ResultURLs: []string{"https://x/y.png"}}}, deliver, time.Minute, 50)

	sweeper.sweepOnce(context.Background())

	if deliver.calls != 1 {
		t.Fatalf("expected delivery to be attempted once, got %d", deliver.calls)
	}
}

func TestPendingSweeper_MarksFailedJobFailed(t *testing.T) {
	jobs := newFakeJobStore()
	_ = jobs.Create(context.Background(), domain.Job{JobID: "job-2", ProviderTaskID: "task-2", Status: domain.JobQueued})

	sweeper := NewPendingSweeper(jobs, fakeStatusGetter{status: domain.TaskStatus{RawState: "fail", FailMsg: "boom"}}, &fakeDeliverer{}, time.Minute, 50)
	sweeper.sweepOnce(context.Background())

	j, err := jobs.Get(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != domain.JobFailed {
		t.Fatalf("expected job to be marked failed, got %s", j.Status)
	}
}

func TestPendingSweeper_ListFailureDegradesInterval(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.listErr = errors.New("storage unavailable")

	const base = time.Millisecond
	sweeper := NewPendingSweeper(jobs, fakeStatusGetter{}, &fakeDeliverer{}, base, 50)
	sweeper.sweepOnce(context.Background())
	first := sweeper.nextInterval()
	if first <= base {
		t.Fatalf("expected a degraded interval longer than the base Interval, got %s", first)
	}

	sweeper.sweepOnce(context.Background())
	second := sweeper.nextInterval()
	if second <= first {
		t.Fatalf("expected the degraded interval to keep growing, got %s then %s", first, second)
	}

	jobs.listErr = nil
	sweeper.sweepOnce(context.Background())
	if got := sweeper.nextInterval(); got != base {
		t.Fatalf("expected interval to reset to base Interval after a successful pass, got %s", got)
	}
}

func TestNewPendingSweeper_NilJobsReturnsNil(t *testing.T) {
	if s := NewPendingSweeper(nil, nil, nil, 0, 0); s != nil {
		t.Fatalf("expected nil sweeper when jobs store is nil")
	}
}
