// Package stub is a fast, deterministic Provider Client for KIE_STUB=true
// runs, modeled on the teacher's internal/adapter/ai/stub.Client: no
// network calls, synthetic but realistic latency and payloads so the rest
// of the pipeline (normalizer, delivery, billing) can be exercised without
// a live KIE account.
package stub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

// Client implements domain.ProviderClient with in-memory task state.
type Client struct {
	mu      sync.Mutex
	counter int64
	tasks   map[string]*stubTask
}

type stubTask struct {
	modelID   string
	createdAt time.Time
	canceled  bool
}

// New builds a stub Client.
func New() *Client {
	return &Client{tasks: make(map[string]*stubTask)}
}

// CreateTask implements domain.ProviderClient.
func (c *Client) CreateTask(_ context.Context, modelID string, _ map[string]any, _ string, _ string) (string, error) {
	id := atomic.AddInt64(&c.counter, 1)
	taskID := fmt.Sprintf("stub-task-%d", id)

	c.mu.Lock()
	c.tasks[taskID] = &stubTask{modelID: modelID, createdAt: time.Now()}
	c.mu.Unlock()
	return taskID, nil
}

// GetTaskStatus implements domain.ProviderClient. A task reports
// "generating" for its first 200ms of existence and "success" afterward,
// so callers exercise at least one poll cycle.
func (c *Client) GetTaskStatus(_ context.Context, taskID, _ string) (domain.TaskStatus, error) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return domain.TaskStatus{}, domain.ErrNotFound
	}
	if task.canceled {
		return domain.TaskStatus{TaskID: taskID, RawState: "cancelled"}, nil
	}
	if time.Since(task.createdAt) < 200*time.Millisecond {
		return domain.TaskStatus{TaskID: taskID, RawState: "generating"}, nil
	}
	return domain.TaskStatus{
		TaskID:       taskID,
		RawState:     "success",
		ResultJSON:   `{"resultUrls":["https://stub.local/result.png"]}`,
		ResultURLs:   []string{"https://stub.local/result.png"},
		CompleteTime: time.Now(),
	}, nil
}

// WaitForTask implements domain.ProviderClient by polling GetTaskStatus
// every pollInterval (10ms when unset) until the task reports success or
// cancelled or timeout elapses; stub tasks report success 200ms after
// creation.
func (c *Client) WaitForTask(ctx context.Context, taskID string, timeout, pollInterval time.Duration, correlationID string) (domain.TaskStatus, error) {
	if timeout <= 0 {
		timeout = 900 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		status, err := c.GetTaskStatus(waitCtx, taskID, correlationID)
		if err != nil {
			return domain.TaskStatus{}, err
		}
		switch status.RawState {
		case "success", "cancelled":
			return status, nil
		}
		t := time.NewTimer(pollInterval)
		select {
		case <-waitCtx.Done():
			t.Stop()
			return domain.TaskStatus{}, waitCtx.Err()
		case <-t.C:
		}
	}
}

// CancelTask implements domain.ProviderClient.
func (c *Client) CancelTask(_ context.Context, taskID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	task.canceled = true
	return nil
}

// ResolveOrphan implements internal/reconciler.OrphanResolver: a stub task
// is always considered resolvable by minting a fresh synthetic task id, so
// the orphan sweeper's recovery path can be exercised in KIE_STUB runs too.
func (c *Client) ResolveOrphan(_ context.Context, entry domain.DedupeEntry) (string, bool, error) {
	id := atomic.AddInt64(&c.counter, 1)
	taskID := fmt.Sprintf("stub-task-%d", id)
	c.mu.Lock()
	c.tasks[taskID] = &stubTask{modelID: entry.ModelID, createdAt: time.Now()}
	c.mu.Unlock()
	return taskID, true, nil
}
