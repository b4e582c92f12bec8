package jsonfile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

const jobsKind = "jobs"

// JobRepo is the jsonfile-backed domain.JobStore implementation: one
// <job_id>.json file per job. FindByRequestID and ListByStatus scan every
// file under the tenant directory, which is fine at dev-backend scale but
// is exactly the tradeoff that makes postgres the production choice.
type JobRepo struct{ store *Store }

// NewJobRepo builds a JobRepo over store.
func NewJobRepo(store *Store) *JobRepo { return &JobRepo{store: store} }

// Create writes a new job file.
func (r *JobRepo) Create(_ domain.Context, j domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if err := r.store.writeJSON(jobsKind, j.JobID, j); err != nil {
		return fmt.Errorf("op=jsonfile.job.create: %w", err)
	}
	return nil
}

// UpdateStatus rewrites the job file with the new status/error/result
// fields. There is no partial-write race here beyond what writeJSON's
// temp-file-then-rename already guards against, since jsonfile has no
// concurrent writers beyond this process's own mutex.
func (r *JobRepo) UpdateStatus(ctx domain.Context, jobID string, status domain.JobStatus, errCode domain.ErrorCode, errMsg string, resultURLs []string, resultText string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var j domain.Job
	if err := r.store.readJSON(jobsKind, jobID, &j); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("op=jsonfile.job.update_status: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=jsonfile.job.update_status.read: %w", err)
	}
	j.Status = status
	j.ErrorCode = errCode
	j.ErrorMessage = errMsg
	j.ResultURLs = resultURLs
	j.ResultText = resultText
	j.UpdatedAt = time.Now().UTC()
	if err := r.store.writeJSON(jobsKind, jobID, j); err != nil {
		return fmt.Errorf("op=jsonfile.job.update_status.write: %w", err)
	}
	return nil
}

// Get loads a job by job_id.
func (r *JobRepo) Get(_ domain.Context, jobID string) (domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var j domain.Job
	if err := r.store.readJSON(jobsKind, jobID, &j); err != nil {
		if os.IsNotExist(err) {
			return domain.Job{}, fmt.Errorf("op=jsonfile.job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jsonfile.job.get: %w", err)
	}
	return j, nil
}

// FindByRequestID scans every job file for a matching request_id.
func (r *JobRepo) FindByRequestID(_ domain.Context, requestID string) (domain.Job, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	jobs, err := r.allJobs()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jsonfile.job.find_by_request_id: %w", err)
	}
	for _, j := range jobs {
		if j.RequestID == requestID {
			return j, true, nil
		}
	}
	return domain.Job{}, false, nil
}

// ListByStatus returns jobs matching any of statuses, oldest-created
// first, sliced to offset/limit.
func (r *JobRepo) ListByStatus(_ domain.Context, statuses []domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	jobs, err := r.allJobs()
	if err != nil {
		return nil, fmt.Errorf("op=jsonfile.job.list_by_status: %w", err)
	}
	want := make(map[domain.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var matched []domain.Job
	for _, j := range jobs {
		if want[j.Status] {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].CreatedAt.Before(matched[k].CreatedAt) })
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *JobRepo) allJobs() ([]domain.Job, error) {
	raw, err := r.store.listJSON(jobsKind, func() any { return &domain.Job{} })
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(raw))
	for _, v := range raw {
		p, ok := v.(*domain.Job)
		if !ok {
			return nil, errors.New("op=jsonfile.job.decode: unexpected record type")
		}
		jobs = append(jobs, *p)
	}
	return jobs, nil
}
