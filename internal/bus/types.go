package bus

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Priority is the five-band priority structure every queue honors.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// priorityBands lists priorities from highest to lowest, the order in which
// a band-aware queue drains.
var priorityBands = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground:
		return true
	default:
		return false
	}
}

// RetryPolicy bounds how many times a failed send attempt may be retried
// with a different candidate route.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Envelope is the wire form of a Message payload: an opaque byte buffer
// plus a typed hint, per the "dynamically typed message payloads" design
// note. Typed decoders are registered per message Type by subscribers;
// the bus itself never interprets Bytes.
type Envelope struct {
	Type       string
	SchemaHint string
	Bytes      []byte
}

// Message is immutable once accepted by Send.
type Message struct {
	ID             string                 `validate:"required"`
	Type           string                 `validate:"required"`
	Priority       Priority               `validate:"required"`
	Source         string                 `validate:"required"`
	Destination    string
	Payload        Envelope               `validate:"required"`
	Hints          *structpb.Struct
	CorrelationID  string
	Deadline       time.Time              `validate:"required"`
	RetryPolicy    RetryPolicy
	GovernanceReqs *structpb.Struct
}

// DeliveryState is the lifecycle of one send attempt as tracked by the bus,
// distinct from (but driven by) the router's own per-message state machine.
type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDispatched DeliveryState = "dispatched"
	DeliveryAcked     DeliveryState = "acked"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryTimedOut  DeliveryState = "timedOut"
	DeliveryCancelled DeliveryState = "cancelled"
)

// Delivery is the bus's own record of one Send call's outcome.
type Delivery struct {
	ID        string
	MessageID string
	State     DeliveryState
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
	Err       error
}

// Event is fanned out to subscriptions by PublishEvent; unrelated to
// Message (events are not routed, pooled, or load-balanced).
type Event struct {
	ID            string
	Type          string
	Source        string
	CorrelationID string
	Payload       Envelope
	Timestamp     time.Time
}

// SubscribeOptions tunes a single subscription's fan-out behavior.
type SubscribeOptions struct {
	OrderingGuaranteed bool
	QueueSize          int
	DedupeWindow       int // bounded id-set size; 0 disables suppression
}

// Filter decides whether an Event matches a subscription beyond its type set.
type Filter func(Event) bool

// Subscription is a registered interest in one or more event types.
type Subscription struct {
	ID           string
	SubscriberID string
	Types        map[string]struct{}
	Filter       Filter
	Opts         SubscribeOptions
}
