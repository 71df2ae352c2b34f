// Package redisstore implements store.Store over Redis, for deployments
// that want the route-cache snapshot and metrics/alert/recovery tables to
// survive a process restart. Indexes named in the persistence layout
// ((agentId,timestamp) and (status,timestamp)) are maintained as Redis
// sorted sets scored by Unix-nanosecond timestamp, alongside a plain string
// key holding the JSON-serialized record.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commcore/bus/internal/store"
)

type Store struct {
	client *redis.Client
}

func New(addr string, db int) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})}
}

func recordKey(table, key string) string  { return fmt.Sprintf("commcore:%s:rec:%s", table, key) }
func agentIdxKey(table, agent string) string { return fmt.Sprintf("commcore:%s:agent:%s", table, agent) }
func statusIdxKey(table, status string) string { return fmt.Sprintf("commcore:%s:status:%s", table, status) }
func tableIdxKey(table string) string      { return fmt.Sprintf("commcore:%s:all", table) }

func (s *Store) Put(ctx context.Context, table string, rec store.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	score := float64(rec.Timestamp.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(table, rec.Key), payload, 0)
	pipe.ZAdd(ctx, tableIdxKey(table), redis.Z{Score: score, Member: rec.Key})
	if rec.AgentID != "" {
		pipe.ZAdd(ctx, agentIdxKey(table, rec.AgentID), redis.Z{Score: score, Member: rec.Key})
	}
	if rec.Status != "" {
		pipe.ZAdd(ctx, statusIdxKey(table, rec.Status), redis.Z{Score: score, Member: rec.Key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore put %s/%s: %w", table, rec.Key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table, key string) (store.Record, bool, error) {
	raw, err := s.client.Get(ctx, recordKey(table, key)).Bytes()
	if err == redis.Nil {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, fmt.Errorf("redisstore get %s/%s: %w", table, key, err)
	}
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return store.Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	rec, ok, err := s.Get(ctx, table, key)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(table, key))
	pipe.ZRem(ctx, tableIdxKey(table), key)
	if ok {
		if rec.AgentID != "" {
			pipe.ZRem(ctx, agentIdxKey(table, rec.AgentID), key)
		}
		if rec.Status != "" {
			pipe.ZRem(ctx, statusIdxKey(table, rec.Status), key)
		}
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisstore delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *Store) RangeByAgent(ctx context.Context, table, agentID string, from, to time.Time) ([]store.Record, error) {
	return s.rangeByIndex(ctx, table, agentIdxKey(table, agentID), from, to)
}

func (s *Store) RangeByStatus(ctx context.Context, table, status string, from, to time.Time) ([]store.Record, error) {
	return s.rangeByIndex(ctx, table, statusIdxKey(table, status), from, to)
}

func (s *Store) rangeByIndex(ctx context.Context, table, idxKey string, from, to time.Time) ([]store.Record, error) {
	keys, err := s.client.ZRangeByScore(ctx, idxKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixNano()),
		Max: fmt.Sprintf("%d", to.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore range %s: %w", idxKey, err)
	}
	out := make([]store.Record, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := s.Get(ctx, table, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error) {
	keys, err := s.client.ZRangeByScore(ctx, tableIdxKey(table), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixNano()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore sweep %s: %w", table, err)
	}
	for _, key := range keys {
		if err := s.Delete(ctx, table, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
