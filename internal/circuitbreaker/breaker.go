// Package circuitbreaker counts consecutive failures of a repeated operation
// and trips once a threshold is reached, so the caller can back off and restart.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, caller should stand down
	StateHalfOpen              // Cooldown elapsed, next outcome decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker trips after a number of consecutive failures.
type CircuitBreaker struct {
	// Consecutive failures that trip the breaker
	failureThreshold int

	// Current state of the circuit breaker (Closed, Open, HalfOpen)
	state State

	// Failures since the last success or reset
	consecutiveFailures int

	// Most recent failure
	lastErr error

	// Timestamp of the last circuit trip
	lastTrip time.Time

	// Duration the breaker stays open before Allow lets a probe through
	resetDelay time.Duration

	// Mutex for thread safety
	mu sync.RWMutex

	// Event callback for restart scheduling and alerting. Runs on its own goroutine.
	onTripCallback func(failures int, lastErr error)

	now func() time.Time
}

// New creates a breaker that trips after threshold consecutive failures.
// A threshold below one is treated as one.
func New(threshold int) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: threshold,
		state:            StateClosed,
		resetDelay:       10 * time.Second,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(failures int, lastErr error)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Threshold returns the configured failure threshold.
func (cb *CircuitBreaker) Threshold() int {
	return cb.failureThreshold
}

// Allow reports whether the operation may run. An open breaker moves to
// half-open once the reset delay has passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastTrip) < cb.resetDelay {
			return ErrOpen
		}
		cb.state = StateHalfOpen
		logrus.Info("Circuit breaker half-open: testing recovery")
	}
	return nil
}

// RecordSuccess clears the failure count and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.lastErr = nil
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		logrus.Info("Circuit breaker closed: system has recovered")
	}
}

// RecordFailure counts a failure and reports whether this call tripped the
// breaker. A half-open breaker trips on its first failure.
func (cb *CircuitBreaker) RecordFailure(err error) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastErr = err

	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		cb.trip()
		return true
	}
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.trip()
		return true
	}
	return false
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// ConsecutiveFailures returns the failures since the last success or reset.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures
}

// LastError returns the most recent recorded failure, if any.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastErr
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.lastErr = nil
}

// trip opens the breaker. Callers hold mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	logrus.WithFields(logrus.Fields{
		"failures": cb.consecutiveFailures,
		"error":    cb.lastErr,
	}).Warn("Circuit breaker tripped")

	if cb.onTripCallback != nil {
		go cb.onTripCallback(cb.consecutiveFailures, cb.lastErr)
	}
}
