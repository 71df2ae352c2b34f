// Package memstore is the default in-memory store.Store implementation,
// bounded per table by an LRU so a long-running process doesn't grow
// unbounded between retention sweeps. The eviction shape is grounded on
// 99souls-ariadne's engine/resources Manager (container/list + map
// index), adapted from page caching to opaque store records.
package memstore

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/commcore/bus/internal/store"
)

// Config bounds how many records memstore retains per table before it
// evicts the least-recently-used entry (Put and Get both count as use).
type Config struct {
	CapacityPerTable int
}

func DefaultConfig() Config {
	return Config{CapacityPerTable: 100_000}
}

type entry struct {
	key string
	rec store.Record
}

type table struct {
	lru   *list.List
	index map[string]*list.Element
}

// Store is a mutex-protected, LRU-bounded in-memory store.Store.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	tables map[string]*table
}

func New(cfg Config) *Store {
	if cfg.CapacityPerTable <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{cfg: cfg, tables: make(map[string]*table)}
}

func (s *Store) tableFor(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{lru: list.New(), index: make(map[string]*list.Element)}
		s.tables[name] = t
	}
	return t
}

func (s *Store) Put(_ context.Context, tableName string, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableFor(tableName)
	if el, ok := t.index[rec.Key]; ok {
		el.Value = &entry{key: rec.Key, rec: rec}
		t.lru.MoveToFront(el)
		return nil
	}
	el := t.lru.PushFront(&entry{key: rec.Key, rec: rec})
	t.index[rec.Key] = el
	for s.cfg.CapacityPerTable > 0 && len(t.index) > s.cfg.CapacityPerTable {
		back := t.lru.Back()
		if back == nil {
			break
		}
		ev := back.Value.(*entry)
		delete(t.index, ev.key)
		t.lru.Remove(back)
	}
	return nil
}

func (s *Store) Get(_ context.Context, tableName, key string) (store.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return store.Record{}, false, nil
	}
	el, ok := t.index[key]
	if !ok {
		return store.Record{}, false, nil
	}
	t.lru.MoveToFront(el)
	return el.Value.(*entry).rec, true, nil
}

func (s *Store) Delete(_ context.Context, tableName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	if el, ok := t.index[key]; ok {
		delete(t.index, key)
		t.lru.Remove(el)
	}
	return nil
}

func (s *Store) RangeByAgent(_ context.Context, tableName, agentID string, from, to time.Time) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return nil, nil
	}
	var out []store.Record
	for el := t.lru.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*entry).rec
		if rec.AgentID != agentID {
			continue
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) RangeByStatus(_ context.Context, tableName, status string, from, to time.Time) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return nil, nil
	}
	var out []store.Record
	for el := t.lru.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*entry).rec
		if rec.Status != status {
			continue
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, tableName string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return 0, nil
	}
	removed := 0
	for el := t.lru.Front(); el != nil; {
		next := el.Next()
		rec := el.Value.(*entry).rec
		if rec.Timestamp.Before(cutoff) {
			delete(t.index, rec.Key)
			t.lru.Remove(el)
			removed++
		}
		el = next
	}
	return removed, nil
}

func (s *Store) Close() error { return nil }
