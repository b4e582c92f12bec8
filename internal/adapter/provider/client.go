// Package provider implements the Provider Client (C1): the typed HTTP
// client to the external generation API, fronted by a per-model circuit
// breaker and an exponential-backoff retry loop. Grounded on the teacher's
// internal/adapter/ai/real.Client for the HTTP request/response shape and
// internal/adapter/ai.CircuitBreaker for the breaker, generalized to the
// four KIE operations of spec §6.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

const (
	pathCreateTask = "/api/v1/jobs/createTask"
	pathRecordInfo = "/api/v1/jobs/recordInfo"
	pathCancelTask = "/api/v1/jobs/cancelTask"
	pathDownload   = "/api/v1/common/download-url"
)

// Client implements domain.ProviderClient against the KIE HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	retry domain.RetryConfig
	cbOn  bool
	cbs   *circuitBreakerRegistry
}

// Config collects the dials the Client needs, kept separate from
// internal/config.Config so this package never imports it (adapters must
// not import each other).
type Config struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	CircuitBreakerOn   bool
	CBFailureThreshold int
	CBSuccessThreshold int
	CBTimeout          time.Duration
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		retry: domain.RetryConfig{
			MaxRetries:   cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		cbOn: cfg.CircuitBreakerOn,
		cbs:  newCircuitBreakerRegistry(cfg.CBFailureThreshold, cfg.CBSuccessThreshold, cfg.CBTimeout),
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

type recordInfoData struct {
	TaskID       string   `json:"taskId"`
	State        string   `json:"state"`
	ResultJSON   string   `json:"resultJson"`
	ResultURLs   []string `json:"resultUrls"`
	FailCode     string   `json:"failCode"`
	FailMsg      string   `json:"failMsg"`
	CompleteTime string   `json:"completeTime"`
}

// CreateTask implements domain.ProviderClient.
func (c *Client) CreateTask(ctx context.Context, modelID string, input map[string]any, callbackURL, correlationID string) (string, error) {
	body := map[string]any{"model": modelID, "input": input}
	if callbackURL != "" {
		body["callBackUrl"] = callbackURL
	}
	var data createTaskData
	if err := c.call(ctx, modelID, http.MethodPost, pathCreateTask, body, correlationID, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", domain.NewCodedError(domain.ErrCodeValidation, correlationID, "provider returned 200 with no taskId", domain.ErrProviderRequestFailed)
	}
	return data.TaskID, nil
}

// WaitForTask implements domain.ProviderClient: a thin poll loop over
// GetTaskStatus for callers that just want to block until a task reaches a
// terminal state, per spec §4.1's waitForTask(task_id, timeout,
// poll_interval).
func (c *Client) WaitForTask(ctx context.Context, taskID string, timeout, pollInterval time.Duration, correlationID string) (domain.TaskStatus, error) {
	if timeout <= 0 {
		timeout = 900 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		status, err := c.GetTaskStatus(waitCtx, taskID, correlationID)
		if err != nil {
			return domain.TaskStatus{}, err
		}
		switch domain.NormalizeProviderState(status.RawState) {
		case domain.ProviderSucceeded, domain.ProviderFailed, domain.ProviderCanceled:
			return status, nil
		}

		t := time.NewTimer(pollInterval)
		select {
		case <-waitCtx.Done():
			t.Stop()
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return domain.TaskStatus{}, domain.NewCodedError(domain.ErrCodeTimeout, correlationID, "waitForTask exceeded timeout", domain.ErrTimeout)
			}
			return domain.TaskStatus{}, domain.ErrCanceled
		case <-t.C:
		}
	}
}

// GetTaskStatus implements domain.ProviderClient.
func (c *Client) GetTaskStatus(ctx context.Context, taskID, correlationID string) (domain.TaskStatus, error) {
	path := fmt.Sprintf("%s?taskId=%s", pathRecordInfo, taskID)
	var data recordInfoData
	if err := c.call(ctx, "", http.MethodGet, path, nil, correlationID, &data); err != nil {
		return domain.TaskStatus{}, err
	}
	completeTime, _ := time.Parse(time.RFC3339, data.CompleteTime)
	return domain.TaskStatus{
		TaskID:       data.TaskID,
		RawState:     data.State,
		ResultJSON:   data.ResultJSON,
		ResultURLs:   data.ResultURLs,
		FailCode:     data.FailCode,
		FailMsg:      data.FailMsg,
		CompleteTime: completeTime,
	}, nil
}

// CancelTask implements domain.ProviderClient.
func (c *Client) CancelTask(ctx context.Context, taskID, correlationID string) error {
	body := map[string]any{"taskId": taskID}
	return c.call(ctx, "", http.MethodPost, pathCancelTask, body, correlationID, nil)
}

// ResolveOrphan implements internal/reconciler.OrphanResolver without
// calling the provider: it returns the entry's own provider_task_id with
// ok=true when one is set, and ok=false (with no error) otherwise. A
// provider_task_id the dedupe entry never received is not recovered here.
func (c *Client) ResolveOrphan(ctx context.Context, entry domain.DedupeEntry) (string, bool, error) {
	if entry.ProviderTaskID != "" {
		return entry.ProviderTaskID, true, nil
	}
	return "", false, nil
}

// call performs one logical request with circuit-breaking and retry.
// modelID is used only to scope the breaker; pass "" for non-model calls
// (poll/cancel), which are still protected by the shared "default" breaker.
// Retries are driven by cenkalti/backoff/v4 the way the teacher's
// internal/adapter/ai/real.Client drives its own exponential backoff: a
// bo.Retry loop over an op that returns backoff.Permanent for errors the
// error taxonomy marks non-retryable.
func (c *Client) call(ctx context.Context, modelID, method, path string, body any, correlationID string, out any) error {
	breakerKey := modelID
	if breakerKey == "" {
		breakerKey = "default"
	}
	var cb *circuitBreaker
	if c.cbOn {
		cb = c.cbs.get(breakerKey)
		if !cb.allow() {
			return domain.NewCodedError(domain.ErrCodeCircuitOpen, correlationID, domain.ETAMessage(cb.nextProbeAt()), domain.ErrCircuitOpen)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retry.InitialDelay
	expo.MaxInterval = c.retry.MaxDelay
	expo.Multiplier = c.retry.Multiplier
	if !c.retry.Jitter {
		expo.RandomizationFactor = 0
	}
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.retry.MaxRetries)), ctx)

	op := func() error {
		status, err := c.doOnce(ctx, method, path, body, correlationID, out)
		if err == nil {
			return nil
		}
		if !domain.Retryable(status) {
			return backoff.Permanent(err)
		}
		// 429 gets one extra doubling on top of the library's own backoff,
		// per spec §4.1.
		if status == 429 {
			if extra := expo.NextBackOff(); extra > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(extra):
				}
			}
		}
		return err
	}

	err := backoff.Retry(op, bo)
	if cb != nil {
		if err != nil {
			cb.recordFailure()
		} else {
			cb.recordSuccess()
		}
	}
	return err
}

// doOnce issues a single HTTP call and decodes the envelope; it returns
// the HTTP status observed (0 for network-level failures) so the caller
// can apply the retry/circuit-breaker taxonomy uniformly.
func (c *Client) doOnce(ctx context.Context, method, path string, body any, correlationID string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("op=provider.call encode: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("op=provider.call build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.ProviderRequestsTotal.WithLabelValues(path, "network_error").Inc()
		return 0, domain.NewCodedError(domain.ErrCodeServerError, correlationID, "", fmt.Errorf("%w: %v", domain.ErrProviderRequestFailed, err))
	}
	defer resp.Body.Close()
	observability.ProviderRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("op=provider.call read body: %w", err)
	}

	if resp.StatusCode >= 300 {
		code := domain.ErrorCodeFromHTTPStatus(resp.StatusCode)
		observability.ProviderRequestsTotal.WithLabelValues(path, string(code)).Inc()
		return resp.StatusCode, domain.NewCodedError(code, correlationID, "", fmt.Errorf("%w: status %d", domain.ErrProviderRequestFailed, resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("op=provider.call decode envelope: %w", err)
	}
	if env.Code != 0 && env.Code != 200 {
		code := domain.ErrorCodeFromHTTPStatus(env.Code)
		observability.ProviderRequestsTotal.WithLabelValues(path, string(code)).Inc()
		return env.Code, domain.NewCodedError(code, correlationID, env.Msg, domain.ErrProviderRequestFailed)
	}
	observability.ProviderRequestsTotal.WithLabelValues(path, "ok").Inc()

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("op=provider.call decode data: %w", err)
		}
	}
	return resp.StatusCode, nil
}
