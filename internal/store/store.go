// Package store defines the opaque key/range storage seam the core consumes.
// Persistent storage backends are an external collaborator per the purpose
// spec — this package only fixes the interface and ships two concrete
// implementations (memstore, redisstore) that the wiring code in
// cmd/commcore-bus can choose between.
package store

import (
	"context"
	"time"
)

// Record is a JSON-serializable opaque blob plus the indexing fields the
// persistence layout names: (agentId, timestamp) and (status, timestamp).
type Record struct {
	Key       string
	AgentID   string
	Status    string
	Timestamp time.Time
	Value     []byte
}

// Store is the opaque key/range store every stateful subsystem depends on
// instead of holding its own map. Table is a logical namespace (e.g.
// "metrics", "alerts", "recovery_executions", "anomaly_detections",
// "pool_config", "route_cache").
type Store interface {
	Put(ctx context.Context, table string, rec Record) error
	Get(ctx context.Context, table, key string) (Record, bool, error)
	Delete(ctx context.Context, table, key string) error
	// RangeByAgent returns records for a table and agent with timestamps in
	// [from, to], ordered by timestamp ascending.
	RangeByAgent(ctx context.Context, table, agentID string, from, to time.Time) ([]Record, error)
	// RangeByStatus returns records for a table and status with timestamps in
	// [from, to], ordered by timestamp ascending.
	RangeByStatus(ctx context.Context, table, status string, from, to time.Time) ([]Record, error)
	// DeleteOlderThan removes every record in table with Timestamp before cutoff,
	// returning the count removed. Used by the daily retention sweeper.
	DeleteOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error)
	Close() error
}
