// Package resilience provides the circuit breaker that guards the
// search engine client (the LLM client uses gobreaker instead, see
// internal/llm — both breaker idioms get a real caller rather than
// picking one arbitrarily).
package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

// Circuit breaker states.
const (
	CircuitBreakerClosed   CircuitBreakerState = iota // Normal operation, requests allowed
	CircuitBreakerOpen                                // Tripped, requests blocked
	CircuitBreakerHalfOpen                            // Testing if service is healthy
)

// Circuit breaker errors.
var (
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker timeout")
	ErrMaxRequestsExceeded   = errors.New("max requests exceeded in half-open state")
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	FailureRatio        float64
	ResetTimeout        time.Duration
	SuccessThreshold    int
	TimeoutThreshold    time.Duration
	MaxRequestsHalfOpen int
	MinimumRequestCount int
}

// breakerCounts tracks only the fields the state machine and GetMetrics
// actually read: a request/success/failure tally, the current
// consecutive-failure/success streak (what trips and what recovers the
// breaker), and the last success/failure timestamps (surfaced by
// GetMetrics). Timeout/rejection/short-circuit tallies aren't
// tracked separately here since Execute already labels those outcomes
// directly on the metrics call, not through this struct.
type breakerCounts struct {
	requests             int
	successes            int
	failures             int
	consecutiveSuccesses int
	consecutiveFailures  int
	lastSuccess          time.Time
	lastFailure          time.Time
}

func (c *breakerCounts) recordSuccess() {
	c.requests++
	c.successes++
	c.consecutiveSuccesses++
	c.consecutiveFailures = 0
	c.lastSuccess = time.Now()
}

func (c *breakerCounts) recordFailure() {
	c.requests++
	c.failures++
	c.consecutiveFailures++
	c.consecutiveSuccesses = 0
	c.lastFailure = time.Now()
}

// CircuitBreaker implements the circuit breaker pattern guarding an
// upstream HTTP call: closed allows traffic, open rejects it until
// ResetTimeout elapses, half-open lets a bounded trickle of requests
// probe recovery.
type CircuitBreaker struct {
	name            string
	config          CircuitBreakerConfig
	state           atomic.Value // CircuitBreakerState
	counts          atomic.Value // *breakerCounts
	lastFailureTime atomic.Value // time.Time
	lastStateChange atomic.Value // time.Time

	halfOpenRequests atomic.Int32

	mutex sync.RWMutex

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.6
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.TimeoutThreshold == 0 {
		config.TimeoutThreshold = 5 * time.Second
	}
	if config.MaxRequestsHalfOpen == 0 {
		config.MaxRequestsHalfOpen = 5
	}
	if config.MinimumRequestCount == 0 {
		config.MinimumRequestCount = 10
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	cb.state.Store(CircuitBreakerClosed)
	cb.counts.Store(&breakerCounts{})
	cb.lastFailureTime.Store(time.Time{})
	cb.lastStateChange.Store(time.Now())
	cb.recordStateMetric(CircuitBreakerClosed)

	return cb
}

// Execute runs fn under circuit breaker protection, tripping the
// breaker on repeated failure and bounding in-flight calls against
// TimeoutThreshold.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()

	if err := cb.canExecute(); err != nil {
		cb.recordMetrics("rejected", false, time.Since(start))
		cb.logger.Error("circuit breaker execution rejected", map[string]interface{}{
			"error": err.Error(),
			"state": cb.getState().String(),
			"name":  cb.name,
		})
		return nil, errors.Wrap(err, "circuit breaker execution failed")
	}

	if ctx.Err() != nil {
		cb.recordFailure()
		cb.recordMetrics("timeout", false, time.Since(start))
		return nil, errors.Wrap(ctx.Err(), "context cancelled")
	}

	if cb.getState() == CircuitBreakerHalfOpen {
		cb.halfOpenRequests.Add(1)
		defer cb.halfOpenRequests.Add(-1)
	}

	type result struct {
		value interface{}
		err   error
	}
	resultChan := make(chan result, 1)

	go func() {
		value, err := fn()
		resultChan <- result{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		cb.recordFailure()
		cb.recordMetrics("timeout", false, time.Since(start))
		return nil, errors.Wrap(ctx.Err(), "context cancelled")

	case <-time.After(cb.config.TimeoutThreshold):
		cb.recordFailure()
		cb.recordMetrics("timeout", false, time.Since(start))
		return nil, ErrCircuitBreakerTimeout

	case res := <-resultChan:
		if res.err != nil {
			cb.recordFailure()
			cb.recordMetrics("failure", false, time.Since(start))
			return nil, res.err
		}

		cb.recordSuccess()
		cb.recordMetrics("success", true, time.Since(start))
		return res.value, nil
	}
}

func (cb *CircuitBreaker) canExecute() error {
	state := cb.getState()

	switch state {
	case CircuitBreakerClosed:
		return nil

	case CircuitBreakerOpen:
		lastFailure := cb.lastFailureTime.Load().(time.Time)
		if time.Since(lastFailure) > cb.config.ResetTimeout {
			cb.transitionTo(CircuitBreakerHalfOpen)
			return nil
		}
		return ErrCircuitBreakerOpen

	case CircuitBreakerHalfOpen:
		if int(cb.halfOpenRequests.Load()) >= cb.config.MaxRequestsHalfOpen {
			return ErrMaxRequestsExceeded
		}
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", state)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	counts := cb.getCounts()
	counts.recordSuccess()
	cb.counts.Store(counts)

	if cb.getState() == CircuitBreakerHalfOpen && counts.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.transitionTo(CircuitBreakerClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	counts := cb.getCounts()
	counts.recordFailure()
	cb.counts.Store(counts)
	cb.lastFailureTime.Store(time.Now())

	switch cb.getState() {
	case CircuitBreakerClosed:
		if counts.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitBreakerOpen)
		} else if counts.requests >= cb.config.MinimumRequestCount {
			failureRatio := float64(counts.failures) / float64(counts.requests)
			if failureRatio >= cb.config.FailureRatio {
				cb.transitionTo(CircuitBreakerOpen)
			}
		}

	case CircuitBreakerHalfOpen:
		cb.transitionTo(CircuitBreakerOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	oldState := cb.getState()
	if oldState == newState {
		return
	}

	cb.state.Store(newState)
	cb.lastStateChange.Store(time.Now())

	if newState == CircuitBreakerHalfOpen {
		cb.counts.Store(&breakerCounts{})
		cb.halfOpenRequests.Store(0)
	}

	cb.logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.name,
		"from": oldState.String(),
		"to":   newState.String(),
	})

	cb.recordStateChangeMetric(oldState, newState)
	cb.recordStateMetric(newState)
}

func (cb *CircuitBreaker) getState() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

// getCounts returns a copy, so the caller can mutate and store it back
// without a data race against a concurrent reader of the prior value.
func (cb *CircuitBreaker) getCounts() *breakerCounts {
	cp := *cb.counts.Load().(*breakerCounts)
	return &cp
}

func (cb *CircuitBreaker) recordMetrics(result string, success bool, duration time.Duration) {
	labels := map[string]string{"name": cb.name, "state": cb.getState().String(), "status": result}
	cb.metrics.IncrementCounter("circuit_breaker_requests_total", labels)
	cb.metrics.RecordLatency("circuit_breaker_request_duration_seconds", labels, duration)
	if success {
		cb.metrics.IncrementCounter("circuit_breaker_successes_total", labels)
	} else {
		cb.metrics.IncrementCounter("circuit_breaker_failures_total", labels)
	}
}

func (cb *CircuitBreaker) recordStateChangeMetric(from, to CircuitBreakerState) {
	cb.metrics.IncrementCounter("circuit_breaker_state_changes_total", map[string]string{
		"name": cb.name, "from": from.String(), "to": to.String(),
	})
}

func (cb *CircuitBreaker) recordStateMetric(state CircuitBreakerState) {
	cb.metrics.RecordGauge("circuit_breaker_current_state", map[string]string{"name": cb.name}, float64(state))
}

// GetMetrics returns current circuit breaker metrics as a map.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	counts := cb.getCounts()
	state := cb.getState()
	lastStateChange := cb.lastStateChange.Load().(time.Time)
	lastFailure := cb.lastFailureTime.Load().(time.Time)

	return map[string]interface{}{
		"name":                    cb.name,
		"state":                   state.String(),
		"requests":                counts.requests,
		"successes":               counts.successes,
		"failures":                counts.failures,
		"consecutive_successes":   counts.consecutiveSuccesses,
		"consecutive_failures":    counts.consecutiveFailures,
		"last_state_change":       lastStateChange,
		"last_failure":            lastFailure,
		"time_since_last_failure": time.Since(lastFailure).Seconds(),
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.transitionTo(CircuitBreakerClosed)
	cb.counts.Store(&breakerCounts{})
	cb.halfOpenRequests.Store(0)
}
