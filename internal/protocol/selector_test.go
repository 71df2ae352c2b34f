package protocol

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/observability"
)

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-protocol-test")
	s, err := New(DefaultConfig(), clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return s
}

func streamingProfile() ProtocolProfile {
	return ProtocolProfile{
		ID: "grpcstream", ConnectionOriented: true, Bidirectional: true, Streaming: true,
		IdealPayloadMinBytes: 0, IdealPayloadMaxBytes: 1 << 20,
		TypicalSetupTime: 20 * time.Millisecond, MinBandwidthBps: 10_000_000,
	}
}

func localProfile() ProtocolProfile {
	return ProtocolProfile{
		ID: "local", ConnectionOriented: false, Bidirectional: true, Streaming: false,
		IdealPayloadMinBytes: 0, IdealPayloadMaxBytes: 1 << 16,
		TypicalSetupTime: 0, MinBandwidthBps: 1_000_000_000,
	}
}

func TestPickPrefersStreamingForStreamingRequiredMessage(t *testing.T) {
	s := newTestSelector(t)
	s.RegisterProfile(streamingProfile())
	s.RegisterProfile(localProfile())

	msg := MessageCharacteristics{Type: "telemetry_stream", PayloadBytes: 1024, StreamingRequired: true}
	cond := NetworkConditions{Quality: 0.9, Stability: 0.9, Congestion: CongestionLow}

	profileID, _, expected, err := s.Pick(context.Background(), "m1", msg, cond)
	require.NoError(t, err)
	assert.Equal(t, "grpcstream", profileID)
	assert.Greater(t, expected.Reliability, 0.0)
}

func TestPickIsStickyForInFlightMessage(t *testing.T) {
	s := newTestSelector(t)
	s.RegisterProfile(streamingProfile())
	s.RegisterProfile(localProfile())

	msg := MessageCharacteristics{Type: "task_assignment", PayloadBytes: 100}
	cond := NetworkConditions{Quality: 0.9, Stability: 0.9, Congestion: CongestionLow}

	first, _, _, err := s.Pick(context.Background(), "m2", msg, cond)
	require.NoError(t, err)

	// Even with conditions that would now favor the other profile, the same
	// in-flight messageID must keep its original profile.
	degraded := NetworkConditions{Quality: 0.1, Stability: 0.1, Congestion: CongestionHigh}
	second, triggers, _, err := s.Pick(context.Background(), "m2", msg, degraded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Nil(t, triggers, "sticky in-flight pick should not re-evaluate triggers")
}

func TestPickNoProfilesRegisteredReturnsError(t *testing.T) {
	s := newTestSelector(t)
	_, _, _, err := s.Pick(context.Background(), "m3", MessageCharacteristics{Type: "x"}, NetworkConditions{})
	assert.Error(t, err)
}

func TestHighCongestionTriggersAdaptation(t *testing.T) {
	s := newTestSelector(t)
	s.RegisterProfile(streamingProfile())

	msg := MessageCharacteristics{Type: "task_assignment", PayloadBytes: 100}
	cond := NetworkConditions{Quality: 0.5, Stability: 0.5, Congestion: CongestionHigh}

	_, triggers, _, err := s.Pick(context.Background(), "m4", msg, cond)
	require.NoError(t, err)
	assert.Contains(t, triggers, TriggerCongestionHigh)
}

func TestForgetAllowsRepick(t *testing.T) {
	s := newTestSelector(t)
	s.RegisterProfile(streamingProfile())
	s.RegisterProfile(localProfile())

	msg := MessageCharacteristics{Type: "task_assignment", PayloadBytes: 100}
	cond := NetworkConditions{Quality: 0.9, Stability: 0.9, Congestion: CongestionLow}
	_, _, _, err := s.Pick(context.Background(), "m5", msg, cond)
	require.NoError(t, err)

	s.Forget("m5")
	// After forgetting, picking again for the same ID re-evaluates instead
	// of returning the sticky profile unconditionally.
	_, _, _, err = s.Pick(context.Background(), "m5", msg, cond)
	require.NoError(t, err)
}
