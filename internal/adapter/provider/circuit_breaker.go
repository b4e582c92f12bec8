package provider

import (
	"sync"
	"time"

	"github.com/kie-forge/genorchestrator/internal/observability"
)

// circuitState mirrors the teacher's three-state circuit breaker
// (internal/adapter/ai.CircuitBreaker), generalized with a configurable
// success_threshold instead of a single-success close.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// circuitBreaker fronts every Provider Client call, per spec §4.1: closed
// allows all calls, open fails fast until timeout elapses, half-open
// allows probes and needs successThreshold consecutive successes to
// close again.
type circuitBreaker struct {
	mu sync.Mutex

	modelID          string
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state        circuitState
	failureCount int
	successCount int
	openedAt     time.Time
}

func newCircuitBreaker(modelID string, failureThreshold, successThreshold int, timeout time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cb := &circuitBreaker{
		modelID:          modelID,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            circuitClosed,
	}
	observability.RecordCircuitBreakerStatus(modelID, int(cb.state))
	return cb
}

// nextProbeAt returns when the breaker next allows a probe while open.
func (cb *circuitBreaker) nextProbeAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openedAt.Add(cb.timeout)
}

// allow reports whether a call may proceed, transitioning open→half-open
// when the timeout has elapsed.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed, circuitHalfOpen:
		return true
	case circuitOpen:
		if time.Since(cb.openedAt) < cb.timeout {
			return false
		}
		cb.state = circuitHalfOpen
		cb.successCount = 0
		observability.RecordCircuitBreakerStatus(cb.modelID, int(cb.state))
		return true
	default:
		return false
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0

	switch cb.state {
	case circuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = circuitClosed
			cb.successCount = 0
			observability.RecordCircuitBreakerStatus(cb.modelID, int(cb.state))
		}
	case circuitOpen:
		cb.state = circuitClosed
		observability.RecordCircuitBreakerStatus(cb.modelID, int(cb.state))
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		cb.successCount = 0
		observability.RecordCircuitBreakerStatus(cb.modelID, int(cb.state))
		return
	}

	cb.failureCount++
	if cb.failureCount >= cb.failureThreshold {
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		observability.RecordCircuitBreakerStatus(cb.modelID, int(cb.state))
	}
}

// circuitBreakerRegistry hands out one breaker per model_id, mirroring the
// teacher's CircuitBreakerManager.
type circuitBreakerRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*circuitBreaker
	failureThreshold int
	successThreshold int
	timeout          time.Duration
}

func newCircuitBreakerRegistry(failureThreshold, successThreshold int, timeout time.Duration) *circuitBreakerRegistry {
	return &circuitBreakerRegistry{
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

func (r *circuitBreakerRegistry) get(modelID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[modelID]
	if !ok {
		cb = newCircuitBreaker(modelID, r.failureThreshold, r.successThreshold, r.timeout)
		r.breakers[modelID] = cb
	}
	return cb
}
