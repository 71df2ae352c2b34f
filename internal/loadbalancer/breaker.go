package loadbalancer

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var errReported = errors.New("reported failure")

// TargetBreaker is a per-target circuit breaker, independent of
// internal/pool.CircuitBreaker: the pool breaker trips on connection
// creation I/O, this one trips on end-to-end request outcome reported via
// ReportCompletion, per §4.4/§4.5's distinct failure domains.
type TargetBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewTargetBreaker(targetID string, cfg BreakerConfig) *TargetBreaker {
	settings := gobreaker.Settings{
		Name:    "target:" + targetID,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		MaxRequests: cfg.SuccessThreshold,
	}
	return &TargetBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// BreakerConfig names the breaker's three tunables, mirroring
// internal/pool.BreakerConfig's shape.
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
}

func (b *TargetBreaker) State() BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Report feeds a completion outcome into the breaker without executing
// anything through it — ReportCompletion already knows whether the call
// succeeded, so this calls gobreaker's counting path directly via a no-op
// Execute rather than wrapping the original request.
func (b *TargetBreaker) Report(success bool) {
	_, _ = b.cb.Execute(func() (any, error) {
		if !success {
			return nil, errReported
		}
		return nil, nil
	})
}
