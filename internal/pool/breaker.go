package pool

import (
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker wraps gobreaker.CircuitBreaker with the state machine
// named in §4.4: closed -> open on consecutive_failures >= threshold,
// open -> half_open after timeout, half_open -> closed after
// success_threshold successes or back to open on first failure.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// BreakerConfig names the three tunables the spec's circuit breaker state
// machine depends on.
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		MaxRequests: cfg.SuccessThreshold,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *CircuitBreaker) Allow() bool {
	state := b.cb.State()
	return state != gobreaker.StateOpen
}

// Execute runs fn through the breaker and returns gobreaker's own errors
// (such as ErrOpenState) unchanged; the pool returns errs.ErrCircuitOpen
// only from its Allow check before it tries to create a connection.
func (b *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

func (b *CircuitBreaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
