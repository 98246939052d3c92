package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] fails or
// sits behind an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// backend pairs a provider value with its dedicated circuit breaker.
type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of the
// same provider type, each behind its own circuit breaker. Calls go to the
// first backend whose breaker admits them; a failing or tripped primary is
// skipped in favour of the next backend in registration order.
//
// With a single backend the group degenerates to a plain circuit breaker,
// which is the common deployment: one embeddings API, protected from retry
// storms.
type FallbackGroup[T any] struct {
	backends []backend[T]
	breaker  CircuitBreakerConfig
}

// NewFallbackGroup builds a group with primary as the first backend. cfg's
// Name is overridden per backend; the remaining fields apply to every breaker
// in the group.
func NewFallbackGroup[T any](primary T, primaryName string, cfg CircuitBreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{breaker: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after the primary, in add order.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cfg := fg.breaker
	cfg.Name = name
	fg.backends = append(fg.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// primary returns the first backend's value. The group always has at least
// one backend.
func (fg *FallbackGroup[T]) primary() T {
	return fg.backends[0].value
}

// ExecuteWithResult runs fn against each backend in order until one succeeds,
// skipping backends with open breakers. It returns [ErrAllFailed] wrapping
// the last error when no backend delivers. A package-level function because
// Go has no method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(b.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, circuit open", "backend", b.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", b.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
