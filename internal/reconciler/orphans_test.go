package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

type fakeDedupeStore struct {
	mu      sync.Mutex
	entries map[string]domain.DedupeEntry
	listErr error
}

func newFakeDedupeStore() *fakeDedupeStore {
	return &fakeDedupeStore{entries: map[string]domain.DedupeEntry{}}
}

func (f *fakeDedupeStore) Get(_ domain.Context, key string) (domain.DedupeEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e, ok, nil
}

func (f *fakeDedupeStore) Set(_ domain.Context, entry domain.DedupeEntry, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.Key()] = entry
	return nil
}

func (f *fakeDedupeStore) Update(_ domain.Context, key string, fn func(domain.DedupeEntry, bool) (domain.DedupeEntry, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.entries[key]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	f.entries[key] = next
	return nil
}

func (f *fakeDedupeStore) Delete(_ domain.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeDedupeStore) List(_ domain.Context, limit int) ([]domain.DedupeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.DedupeEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDedupeStore) ResolveRequestID(_ domain.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeDedupeStore) ResolveJobID(_ domain.Context, _ string) (string, bool, error) {
	return "", false, nil
}

type fakeResolver struct {
	taskID string
	ok     bool
	err    error
}

func (f fakeResolver) ResolveOrphan(_ context.Context, _ domain.DedupeEntry) (string, bool, error) {
	return f.taskID, f.ok, f.err
}

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) NotifyOrphan(_ context.Context, _, _ string) error {
	f.calls++
	return f.err
}

func TestOrphanSweeper_RecoversViaResolver(t *testing.T) {
	dedupe := newFakeDedupeStore()
	entry := domain.DedupeEntry{UserID: "u1", ModelID: "m1", PromptFingerprint: "f1", JobID: "job-1", Status: domain.JobRunning, UpdatedTS: time.Now()}
	_ = dedupe.Set(context.Background(), entry, time.Hour)

	sweeper := NewOrphanSweeper(dedupe, fakeResolver{taskID: "task-99", ok: true}, &fakeNotifier{}, time.Minute, time.Hour, time.Hour, 50)
	sweeper.sweepOnce(context.Background())

	got, ok, _ := dedupe.Get(context.Background(), entry.Key())
	if !ok {
		t.Fatalf("expected entry to still exist")
	}
	if got.ProviderTaskID != "task-99" {
		t.Fatalf("expected recovered task id, got %q", got.ProviderTaskID)
	}
	if got.Status != domain.JobRunning {
		t.Fatalf("expected status to move to running, got %s", got.Status)
	}
}

func TestOrphanSweeper_NotifiesAfterMaxAge(t *testing.T) {
	dedupe := newFakeDedupeStore()
	entry := domain.DedupeEntry{UserID: "u2", ModelID: "m1", PromptFingerprint: "f2", JobID: "job-2", Status: domain.JobQueued, UpdatedTS: time.Now().Add(-time.Hour)}
	_ = dedupe.Set(context.Background(), entry, time.Hour)

	notifier := &fakeNotifier{}
	sweeper := NewOrphanSweeper(dedupe, fakeResolver{ok: false}, notifier, time.Minute, time.Minute, time.Hour, 50)
	sweeper.sweepOnce(context.Background())

	if notifier.calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.calls)
	}
	got, _, _ := dedupe.Get(context.Background(), entry.Key())
	if got.Status != domain.JobFailed {
		t.Fatalf("expected entry to be marked failed after max age, got %s", got.Status)
	}
	if got.OrphanNotifiedTS.IsZero() {
		t.Fatalf("expected OrphanNotifiedTS to be stamped")
	}
}

func TestOrphanSweeper_NotifyCooldownSuppressesRepeat(t *testing.T) {
	dedupe := newFakeDedupeStore()
	entry := domain.DedupeEntry{
		UserID: "u3", ModelID: "m1", PromptFingerprint: "f3", JobID: "job-3",
		Status: domain.JobQueued, UpdatedTS: time.Now().Add(-time.Hour), OrphanNotifiedTS: time.Now(),
	}
	_ = dedupe.Set(context.Background(), entry, time.Hour)

	notifier := &fakeNotifier{}
	sweeper := NewOrphanSweeper(dedupe, fakeResolver{ok: false}, notifier, time.Minute, time.Minute, time.Hour, 50)
	sweeper.sweepOnce(context.Background())

	if notifier.calls != 0 {
		t.Fatalf("expected notification to be suppressed by cooldown, got %d calls", notifier.calls)
	}
}

func TestOrphanSweeper_ListFailureDegradesInterval(t *testing.T) {
	dedupe := newFakeDedupeStore()
	dedupe.listErr = errors.New("storage unavailable")

	const base = time.Millisecond
	sweeper := NewOrphanSweeper(dedupe, nil, nil, base, time.Hour, time.Hour, 50)
	sweeper.sweepOnce(context.Background())
	first := sweeper.nextInterval()
	if first <= base {
		t.Fatalf("expected degraded interval beyond base Interval, got %s", first)
	}

	dedupe.listErr = nil
	sweeper.sweepOnce(context.Background())
	if got := sweeper.nextInterval(); got != base {
		t.Fatalf("expected interval to reset after successful pass, got %s", got)
	}
}

func TestNewOrphanSweeper_NilDedupeReturnsNil(t *testing.T) {
	if s := NewOrphanSweeper(nil, nil, nil, 0, 0, 0, 0); s != nil {
		t.Fatalf("expected nil sweeper when dedupe store is nil")
	}
}
