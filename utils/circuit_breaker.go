package utils

import (
	"context"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = circuitbreaker.ErrOpen

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type breakerConfig struct {
	failures  uint
	timeout   time.Duration
	successes uint
}

type BreakerOption func(*breakerConfig)

// WithTripAfter opens the breaker after n consecutive failures.
func WithTripAfter(n uint) BreakerOption {
	return func(c *breakerConfig) { c.failures = n }
}

// WithOpenTimeout is how long the breaker stays open before letting a call through.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(c *breakerConfig) { c.timeout = d }
}

// WithHalfOpenRequests is how many half-open calls must succeed before closing.
func WithHalfOpenRequests(n uint) BreakerOption {
	return func(c *breakerConfig) { c.successes = n }
}

// CircuitBreaker guards calls to a flaky dependency.
type CircuitBreaker struct {
	name string
	cb   circuitbreaker.CircuitBreaker[any]
}

func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	cfg := breakerConfig{failures: 5, timeout: 30 * time.Second, successes: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.failures == 0 {
		cfg.failures = 1
	}
	if cfg.successes == 0 {
		cfg.successes = 1
	}

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.failures).
		WithDelay(cfg.timeout).
		WithSuccessThreshold(cfg.successes).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"breaker", name,
				"from", convertState(e.OldState).String(),
				"to", convertState(e.NewState).String(),
			)
		}).
		Build()

	return &CircuitBreaker{name: name, cb: cb}
}

func convertState(s circuitbreaker.State) State {
	switch s {
	case circuitbreaker.OpenState:
		return StateOpen
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	return convertState(cb.cb.State())
}

// Execute runs req unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(ctx context.Context) error) error {
	_, err := failsafe.With(cb.cb).WithContext(ctx).Get(func() (any, error) {
		return nil, req(ctx)
	})
	return err
}
