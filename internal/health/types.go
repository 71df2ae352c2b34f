// Package health collects per-agent metrics, derives an overall health
// status, runs anomaly detection, and manages the alert lifecycle, per the
// Health Monitor half of the Health Monitor & Recovery Orchestrator.
package health

import "time"

// Status is an agent's overall or per-component health, totally ordered
// `healthy < degraded < unhealthy < critical` (unknown sorts below healthy
// but is never compared for severity purposes — it just means "no samples
// yet"). The ordering is an explicit Open Question decision: the source
// material left `degraded` vs `unhealthy` ambiguous.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

var severity = map[Status]int{
	StatusUnknown:   0,
	StatusHealthy:   1,
	StatusDegraded:  2,
	StatusUnhealthy: 3,
	StatusCritical:  4,
}

// worse returns whichever of a, b has higher severity.
func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Trend classifies a metric's recent direction.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendStable   Trend = "stable"
	TrendVolatile Trend = "volatile"
)

// MetricValue is one named measurement's current snapshot, per §4.6's
// "{current, average, min, max, trend, unit, timestamp}".
type MetricValue struct {
	Current   float64
	Average   float64
	Min       float64
	Max       float64
	Trend     Trend
	Unit      string
	Timestamp time.Time
}

// ThresholdSet names the three escalating bounds a resource metric
// (disk, and by convention any other saturating resource) is checked
// against.
type ThresholdSet struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// PerformanceMetrics is §4.6's "Performance" collection bullet.
type PerformanceMetrics struct {
	ResponseTimeMs MetricValue
	Throughput     MetricValue
	ErrorRate      MetricValue
	SuccessRate    MetricValue
	LatencyP50     float64
	LatencyP90     float64
	LatencyP95     float64
	LatencyP99     float64
	LatencyMean    float64
	Availability   float64
}

// NetworkDirection is one direction's byte/packet/error/drop counters.
type NetworkDirection struct {
	Bytes   float64
	Packets float64
	Errors  float64
	Dropped float64
}

// ResourceMetrics is §4.6's "Resource" collection bullet.
type ResourceMetrics struct {
	CPU        MetricValue
	Memory     MetricValue
	Disk       MetricValue
	DiskThresh ThresholdSet
	Inbound    NetworkDirection
	Outbound   NetworkDirection
	Active     int
	Idle       int
	Waiting    int
	PoolSize   int
	MaxPool    int
	ConnErrors int
}

// GovernanceMetrics is §4.6's "Governance" collection bullet.
type GovernanceMetrics struct {
	DecisionQuality         float64
	Compliance              float64
	AuditIntegrity          float64
	StakeholderSatisfaction float64
	Ethics                  float64
	Transparency            float64
}

// SystemMetrics is §4.6's "System" collection bullet.
type SystemMetrics struct {
	Processes    int
	Threads      int
	FDs          int
	DBConns      int
	CacheHitRate float64
	QueueDepth   int
}

// ComponentStatus pairs one monitored component with its derived status and
// the criticality weight used when deriving the overall status.
type ComponentStatus struct {
	Name        string
	Status      Status
	Criticality float64
}

// AgentHealthState is the caller-visible, monitor-owned view of one agent.
type AgentHealthState struct {
	AgentID       string
	Overall       Status
	Components    []ComponentStatus
	Performance   PerformanceMetrics
	Resource      ResourceMetrics
	Governance    GovernanceMetrics
	System        SystemMetrics
	Custom        map[string]MetricValue
	Alerts        []string // active alert IDs
	LastHeartbeat time.Time
	Uptime        time.Duration
}

// Sample is one raw measurement fed to the collector for a named metric.
type Sample struct {
	AgentID   string
	Component string
	Metric    string
	Value     float64
	Criticality float64
	Timestamp time.Time
}
