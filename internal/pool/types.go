// Package pool manages per-(protocol,endpoint) connection lifecycle,
// leasing, health, and sizing, per the Connection Pool Manager component.
package pool

import (
	"context"
	"io"
	"time"
)

// Priority mirrors the bus's five-band priority so the waiter queue can
// respect request priority without importing internal/bus (this package
// sits below the bus in the dependency graph — cmd/commcore-bus is the
// only place that wires both together).
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

var priorityBands = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

// ConnStatus is a PooledConnection's lifecycle state.
type ConnStatus string

const (
	ConnCreating   ConnStatus = "creating"
	ConnIdle       ConnStatus = "idle"
	ConnBusy       ConnStatus = "busy"
	ConnValidating ConnStatus = "validating"
	ConnFailed     ConnStatus = "failed"
	ConnClosing    ConnStatus = "closing"
	ConnClosed     ConnStatus = "closed"
)

// PoolStatus is a ConnectionPool's lifecycle state; transitions are
// monotonic through initializing -> active, then fluctuate among
// active/scaling/degraded/failed/maintenance.
type PoolStatus string

const (
	PoolInitializing PoolStatus = "initializing"
	PoolActive       PoolStatus = "active"
	PoolScaling      PoolStatus = "scaling"
	PoolDegraded     PoolStatus = "degraded"
	PoolFailed       PoolStatus = "failed"
	PoolMaintenance  PoolStatus = "maintenance"
)

// PerfStats is a connection's EMA-tracked performance.
type PerfStats struct {
	EMALatencyMs   float64
	EMASuccessRate float64
}

// PooledConnection is the caller-visible view of one pool member.
type PooledConnection struct {
	ID         string
	PoolID     string
	Status     ConnStatus
	CreatedAt  time.Time
	LastUsed   time.Time
	UsageCount int
	ErrorCount int
	Perf       PerfStats
	Healthy    bool
}

// ConnectionLease references a connection without owning it; it returns to
// idle only via explicit Release.
type ConnectionLease struct {
	LeaseID      string
	ConnectionID string
	PoolID       string
	RequesterID  string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// UsageReport is fed back via Release to update a connection's EMA metrics.
type UsageReport struct {
	Success   bool
	LatencyMs float64
}

// ConnectionRequirements filters which idle connection can satisfy an
// Acquire request.
type ConnectionRequirements struct {
	Encryption      bool
	Auth            bool
	Governance      bool
	MinTrust        float64
	MinBandwidthBps float64
	MaxLatencyMs    float64
}

// Descriptor is what a Factory reports about the connection it created,
// used to check it against ConnectionRequirements on future acquisitions.
type Descriptor struct {
	Encryption   bool
	Auth         bool
	Governance   bool
	Trust        float64
	BandwidthBps float64
	LatencyMs    float64
}

func (d Descriptor) satisfies(req ConnectionRequirements) bool {
	if req.Encryption && !d.Encryption {
		return false
	}
	if req.Auth && !d.Auth {
		return false
	}
	if req.Governance && !d.Governance {
		return false
	}
	if d.Trust < req.MinTrust {
		return false
	}
	if req.MinBandwidthBps > 0 && d.BandwidthBps < req.MinBandwidthBps {
		return false
	}
	if req.MaxLatencyMs > 0 && d.LatencyMs > req.MaxLatencyMs {
		return false
	}
	return true
}

// Factory creates a new underlying connection handle for an endpoint. The
// pool never knows the handle's concrete type — only that it can be closed.
type Factory func(ctx context.Context, endpoint string) (io.Closer, Descriptor, error)

// AcquireRequest is the input to Manager.Acquire.
type AcquireRequest struct {
	Protocol     string
	Endpoint     string
	RequesterID  string
	Priority     Priority
	Requirements ConnectionRequirements
	LeaseTTL     time.Duration
}
