package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kie-forge/genorchestrator/internal/billing"
	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/service"
)

type fakeDeliverer struct {
	delivered bool
	err       error
	calls     int
}

func (f *fakeDeliverer) Deliver(_ domain.Context, _, _ string, _ domain.JobResult) (bool, error) {
	f.calls++
	return f.delivered, f.err
}

type fakeCatalog struct{ spec domain.ModelSpec }

func (f *fakeCatalog) GetModelSpec(_ domain.Context, _ string) (domain.ModelSpec, error) {
	return f.spec, nil
}

type fakeJobStore struct {
	jobs map[string]domain.Job
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: map[string]domain.Job{}} }

func (f *fakeJobStore) Create(_ domain.Context, j domain.Job) error {
	f.jobs[j.JobID] = j
	return nil
}
func (f *fakeJobStore) UpdateStatus(_ domain.Context, jobID string, status domain.JobStatus, errCode domain.ErrorCode, errMsg string, urls []string, text string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	j.ErrorCode = errCode
	j.ErrorMessage = errMsg
	j.ResultURLs = urls
	j.ResultText = text
	f.jobs[jobID] = j
	return nil
}
func (f *fakeJobStore) Get(_ domain.Context, jobID string) (domain.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobStore) FindByRequestID(_ domain.Context, requestID string) (domain.Job, bool, error) {
	for _, j := range f.jobs {
		if j.RequestID == requestID {
			return j, true, nil
		}
	}
	return domain.Job{}, false, nil
}
func (f *fakeJobStore) ListByStatus(_ domain.Context, _ []domain.JobStatus, _, _ int) ([]domain.Job, error) {
	return nil, nil
}

type fakeUsageStore struct {
	windows   map[string]domain.HourlyFreeUsage
	referrals map[string]int
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{windows: map[string]domain.HourlyFreeUsage{}, referrals: map[string]int{}}
}
func (f *fakeUsageStore) GetHourlyFreeUsage(_ domain.Context, userID string) (domain.HourlyFreeUsage, error) {
	return f.windows[userID], nil
}
func (f *fakeUsageStore) SetHourlyFreeUsage(_ domain.Context, usage domain.HourlyFreeUsage) error {
	f.windows[usage.UserID] = usage
	return nil
}
func (f *fakeUsageStore) GetReferralBalance(_ domain.Context, userID string) (int, error) {
	return f.referrals[userID], nil
}
func (f *fakeUsageStore) AddReferralBalance(_ domain.Context, userID string, delta int) (int, error) {
	f.referrals[userID] += delta
	return f.referrals[userID], nil
}

type fakeBalanceStore struct{ balances map[string]float64 }

func newFakeBalanceStore() *fakeBalanceStore { return &fakeBalanceStore{balances: map[string]float64{}} }
func (f *fakeBalanceStore) GetUserBalance(_ domain.Context, userID string) (float64, error) {
	return f.balances[userID], nil
}
func (f *fakeBalanceStore) SubtractUserBalance(_ domain.Context, userID string, amount float64) (float64, error) {
	f.balances[userID] -= amount
	return f.balances[userID], nil
}

type fakeLockHandle struct{ key string }

func (h fakeLockHandle) Release(_ domain.Context) error { return nil }
func (h fakeLockHandle) Key() string                    { return h.key }

type fakeLocker struct{}

func (fakeLocker) Acquire(_ domain.Context, key string, _, _ time.Duration, _ int) (domain.LockHandle, error) {
	return fakeLockHandle{key: key}, nil
}

func testJob() domain.Job {
	return domain.Job{JobID: "job_1", RequestID: "req_1", UserID: "u1", ModelID: "flux-2/pro", ProviderTaskID: "t1", Status: domain.JobSucceeded}
}

func newTestService(jobs *fakeJobStore, deliverer *fakeDeliverer, balances *fakeBalanceStore, usage *fakeUsageStore) *service.Service {
	spec := domain.ModelSpec{ModelID: "flux-2/pro", SKUs: []domain.SKUPrice{{SKUID: "flux-2/pro", PriceRUB: 10, FreeEligible: false}}}
	gate := billing.NewGate(balances, usage, fakeLocker{}, nil, 5)
	return service.New(nil, deliverer, gate, &fakeCatalog{spec: spec}, jobs, nil, nil)
}

func TestDeliverAndCharge_SuccessChargesBalanceAndMarksDelivered(t *testing.T) {
	jobs := newFakeJobStore()
	job := testJob()
	_ = jobs.Create(context.Background(), job)
	balances := newFakeBalanceStore()
	svc := newTestService(jobs, &fakeDeliverer{delivered: true}, balances, newFakeUsageStore())

	err := svc.DeliverAndCharge(context.Background(), job, domain.JobResult{URLs: []string{"https://cdn.example.com/a.png"}})
	if err != nil {
		t.Fatalf("DeliverAndCharge: %v", err)
	}
	got, _ := jobs.Get(context.Background(), job.JobID)
	if got.Status != domain.JobDelivered {
		t.Fatalf("expected delivered status, got %v", got.Status)
	}
	if balances.balances["u1"] != -10 {
		t.Fatalf("expected balance charged 10, got %v", balances.balances["u1"])
	}
}

func TestDeliverAndCharge_DeliveryFailureMarksJobFailedWithoutCharging(t *testing.T) {
	jobs := newFakeJobStore()
	job := testJob()
	_ = jobs.Create(context.Background(), job)
	balances := newFakeBalanceStore()
	svc := newTestService(jobs, &fakeDeliverer{delivered: false}, balances, newFakeUsageStore())

	err := svc.DeliverAndCharge(context.Background(), job, domain.JobResult{})
	if err == nil {
		t.Fatalf("expected error")
	}
	got, _ := jobs.Get(context.Background(), job.JobID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed status, got %v", got.Status)
	}
	if balances.balances["u1"] != 0 {
		t.Fatalf("expected no charge, got %v", balances.balances["u1"])
	}
}

func TestDeliverAndCharge_DelivererErrorPropagates(t *testing.T) {
	jobs := newFakeJobStore()
	job := testJob()
	_ = jobs.Create(context.Background(), job)
	svc := newTestService(jobs, &fakeDeliverer{err: errors.New("network down")}, newFakeBalanceStore(), newFakeUsageStore())

	err := svc.DeliverAndCharge(context.Background(), job, domain.JobResult{})
	if err == nil {
		t.Fatalf("expected error")
	}
	got, _ := jobs.Get(context.Background(), job.JobID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed status, got %v", got.Status)
	}
}

func TestDeliverAndCharge_FreeSKUConsumesHourlySlotInsteadOfBalance(t *testing.T) {
	jobs := newFakeJobStore()
	job := testJob()
	job.Params = map[string]any{"is_free": true}
	_ = jobs.Create(context.Background(), job)
	balances := newFakeBalanceStore()
	spec := domain.ModelSpec{ModelID: "flux-2/pro", SKUs: []domain.SKUPrice{{SKUID: "flux-2/pro", PriceRUB: 10, FreeEligible: true}}}
	gate := billing.NewGate(balances, newFakeUsageStore(), fakeLocker{}, []string{"flux-2/pro"}, 5)
	svc := service.New(nil, &fakeDeliverer{delivered: true}, gate, &fakeCatalog{spec: spec}, jobs, nil, nil)

	if err := svc.DeliverAndCharge(context.Background(), job, domain.JobResult{}); err != nil {
		t.Fatalf("DeliverAndCharge: %v", err)
	}
	if balances.balances["u1"] != 0 {
		t.Fatalf("expected balance untouched on free slot, got %v", balances.balances["u1"])
	}
}
