// Package resilience protects the daemon's outbound embedding calls.
//
// The enrichment worker already re-enqueues a failed batch; the
// [CircuitBreaker] adds the other half of the story: once a backend has
// failed repeatedly, calls fail fast with [ErrCircuitOpen] instead of burning
// a provider round trip on every retry pass. [FallbackGroup] layers failover
// on top, giving each backend its own breaker so a dead primary is skipped
// without probing it on every batch.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a [CircuitBreaker]'s operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of trial calls. If they all
	// succeed the breaker closes; the first failure re-opens it.
	StateHalfOpen
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

// Defaults substituted for zero-valued [CircuitBreakerConfig] fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultTrialCalls   = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages, typically the backend name
	// from the provider registry (e.g. "openai").
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// trial calls. For an embeddings backend this should comfortably exceed
	// the enrichment worker's retry backoff, otherwise the breaker never
	// sheds any load.
	ResetTimeout time.Duration

	// TrialCalls is how many consecutive successes in the half-open state
	// close the breaker again.
	TrialCalls int
}

// CircuitBreaker is a three-state breaker: closed until MaxFailures
// consecutive failures, open for ResetTimeout, then half-open until
// TrialCalls calls succeed or one of them fails.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	trialBudget  int

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
	trialOK  int
}

// NewCircuitBreaker builds a breaker, substituting defaults for zero config
// fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.TrialCalls <= 0 {
		cfg.TrialCalls = DefaultTrialCalls
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		trialBudget:  cfg.TrialCalls,
	}
}

// Execute runs fn unless the breaker rejects the call. Open, it returns
// [ErrCircuitOpen] without invoking fn; half-open, it admits fn only while
// trial budget remains. fn's error is returned unchanged so callers can
// still branch on their own sentinels.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.trialOK = 0
		slog.Info("circuit half-open, trying backend again", "name", cb.name)

	case StateHalfOpen:
		if cb.trials >= cb.trialBudget {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	trial := cb.state == StateHalfOpen
	if trial {
		cb.trials++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(trial)
	} else {
		cb.onSuccess(trial)
	}
	return err
}

// onFailure updates state after a failed call. Caller holds cb.mu.
func (cb *CircuitBreaker) onFailure(trial bool) {
	if trial {
		// One failed trial is enough; back to open for a full timeout.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.maxFailures
		slog.Warn("circuit re-opened by failed trial call", "name", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// onSuccess updates state after a successful call. Caller holds cb.mu.
func (cb *CircuitBreaker) onSuccess(trial bool) {
	if trial {
		cb.trialOK++
		if cb.trialOK >= cb.trialBudget {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit closed after successful trial calls", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports half-open; the stored transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.trialOK = 0
	slog.Info("circuit manually reset", "name", cb.name)
}
