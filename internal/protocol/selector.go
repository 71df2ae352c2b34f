package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/observability"
)

// Config tunes one Selector instance.
type Config struct {
	Weights            Weights
	EMAAlpha           float64
	AdaptationThreshold float64 // success-rate drop vs baseline that triggers re-score
	AdaptationCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		EMAAlpha:            0.2,
		AdaptationThreshold: 0.1,
		AdaptationCooldown:  30 * time.Second,
	}
}

// AdaptationTrigger names the reason a bucket was re-scored.
type AdaptationTrigger string

const (
	TriggerLatencyP95      AdaptationTrigger = "latencyP95"
	TriggerSuccessRateDrop AdaptationTrigger = "successRateDrop"
	TriggerCongestionHigh  AdaptationTrigger = "congestionHigh"
	TriggerOperatorForced  AdaptationTrigger = "operatorForced"
)

type bucketKey struct {
	profileID, messageType string
}

// Selector maintains the protocol profile registry and picks one per
// message given current network conditions, per the Protocol/Transport
// Selector component.
type Selector struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager

	mu        sync.Mutex
	profiles  map[string]ProtocolProfile
	history   map[bucketKey]*emaBucket
	inFlight  map[string]string // messageID -> profileID, sticky until terminal
	lastAdapt map[string]time.Time
	baseline  map[string]float64 // messageType -> baseline success rate
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter) (*Selector, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, fmt.Errorf("protocol: new metrics manager: %w", err)
	}
	return &Selector{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		tracer:    tracer,
		metrics:   mm,
		profiles:  make(map[string]ProtocolProfile),
		history:   make(map[bucketKey]*emaBucket),
		inFlight:  make(map[string]string),
		lastAdapt: make(map[string]time.Time),
		baseline:  make(map[string]float64),
	}, nil
}

// RegisterProfile adds or replaces a profile in the registry.
func (s *Selector) RegisterProfile(p ProtocolProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Selector) bucket(profileID, messageType string) *emaBucket {
	key := bucketKey{profileID, messageType}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.history[key]
	if !ok {
		b = newEMABucket(s.cfg.EMAAlpha)
		s.history[key] = b
	}
	return b
}

// Pick scores every registered profile and selects the highest-suitability
// one. In-flight messages (identified by messageID) keep whatever profile
// they were already assigned: a re-pick for the same messageID returns the
// sticky profile without rescoring. New messages reassess from scratch.
func (s *Selector) Pick(ctx context.Context, messageID string, msg MessageCharacteristics, cond NetworkConditions) (string, []AdaptationTrigger, Expected, error) {
	if sticky, ok := s.stickyProfile(messageID); ok {
		profile, ok := s.profileByID(sticky)
		if ok {
			return sticky, nil, s.expectedFor(profile, cond), nil
		}
	}

	s.mu.Lock()
	if len(s.profiles) == 0 {
		s.mu.Unlock()
		return "", nil, Expected{}, errs.ErrNoRoute
	}
	profiles := make([]ProtocolProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		profiles = append(profiles, p)
	}
	s.mu.Unlock()

	triggers := s.checkTriggers(msg.Type, cond)
	for _, t := range triggers {
		s.metrics.RecordAdaptationTrigger(ctx, msg.Type, string(t))
	}

	var best ProtocolProfile
	bestScore := -1.0
	for _, p := range profiles {
		hist := s.bucket(p.ID, msg.Type)
		score := suitability(s.cfg.Weights, p, msg, cond, hist)
		if score > bestScore {
			best, bestScore = p, score
		}
	}

	s.mu.Lock()
	s.inFlight[messageID] = best.ID
	s.mu.Unlock()

	return best.ID, triggers, s.expectedFor(best, cond), nil
}

func (s *Selector) stickyProfile(messageID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.inFlight[messageID]
	return id, ok
}

func (s *Selector) profileByID(id string) (ProtocolProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

// checkTriggers evaluates the documented adaptation conditions and applies
// the per-bucket cooldown; a triggered-but-cooling-down bucket is omitted
// from the returned list.
func (s *Selector) checkTriggers(messageType string, cond NetworkConditions) []AdaptationTrigger {
	var triggers []AdaptationTrigger

	if cond.BaselineP95 > 0 && cond.ObservedP95 > 0 {
		ratio := float64(cond.ObservedP95) / float64(cond.BaselineP95)
		if ratio > 1.5 {
			triggers = append(triggers, TriggerLatencyP95)
		}
	}
	if cond.Congestion == CongestionHigh {
		triggers = append(triggers, TriggerCongestionHigh)
	}

	if len(triggers) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	last, ok := s.lastAdapt[messageType]
	if ok && now.Sub(last) < s.cfg.AdaptationCooldown {
		return nil
	}
	s.lastAdapt[messageType] = now
	return triggers
}

// ForceAdapt lets an operator force a re-score for a message type,
// bypassing the cooldown once.
func (s *Selector) ForceAdapt(messageType string) {
	s.mu.Lock()
	delete(s.lastAdapt, messageType)
	s.mu.Unlock()
}

// ReportOutcome feeds the historical-performance bucket and checks for a
// success-rate-drop trigger against the recorded baseline.
func (s *Selector) ReportOutcome(profileID, messageType string, success bool, latencyMs, baselineLatencyMs float64) []AdaptationTrigger {
	normalized := 1.0
	if baselineLatencyMs > 0 {
		normalized = latencyMs / baselineLatencyMs
	}
	s.bucket(profileID, messageType).observe(success, normalized)

	s.mu.Lock()
	baseline, hasBaseline := s.baseline[messageType]
	if !hasBaseline {
		s.baseline[messageType] = 1
		baseline = 1
	}
	s.mu.Unlock()

	current := s.bucket(profileID, messageType).score()
	if hasBaseline && current < baseline-s.cfg.AdaptationThreshold {
		s.mu.Lock()
		now := s.clock.Now()
		last, cooling := s.lastAdapt[messageType]
		due := !cooling || now.Sub(last) >= s.cfg.AdaptationCooldown
		if due {
			s.lastAdapt[messageType] = now
		}
		s.mu.Unlock()
		if due {
			s.metrics.RecordAdaptationTrigger(context.Background(), messageType, string(TriggerSuccessRateDrop))
			return []AdaptationTrigger{TriggerSuccessRateDrop}
		}
	}
	return nil
}

// Forget releases a message's in-flight profile stickiness once the bus
// reaches a terminal delivery state for it.
func (s *Selector) Forget(messageID string) {
	s.mu.Lock()
	delete(s.inFlight, messageID)
	s.mu.Unlock()
}

func (s *Selector) expectedFor(p ProtocolProfile, cond NetworkConditions) Expected {
	latency := float64(p.TypicalSetupTime.Milliseconds())
	if cond.ObservedP95 > 0 {
		latency += float64(cond.ObservedP95.Milliseconds())
	}
	reliability := cond.Quality * cond.Stability
	if reliability == 0 {
		reliability = 0.5
	}
	return Expected{
		LatencyMs:   latency,
		Throughput:  p.MinBandwidthBps,
		Reliability: reliability,
	}
}
