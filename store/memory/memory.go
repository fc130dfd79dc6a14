// Package memory provides an in-memory measurement store used by tests and
// the dev-mode store driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/store"
)

// Store is a thread-safe, append-only in-memory measurement store.
type Store struct {
	mu      sync.RWMutex
	records []store.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Append adds records. The whole batch is applied atomically.
func (s *Store) Append(_ context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// All returns a copy of every stored record, for test assertions.
func (s *Store) All() []store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Range snapshots the matching records sorted by CreatedAt ascending and
// returns a cursor over them.
func (s *Store) Range(_ context.Context, sensorIDs []string, from, to time.Time, batchSize int) (store.Cursor, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	wanted := make(map[string]struct{}, len(sensorIDs))
	for _, id := range sensorIDs {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	matched := make([]store.Record, 0)
	for _, r := range s.records {
		if _, ok := wanted[r.SensorID]; !ok {
			continue
		}
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		matched = append(matched, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	return &cursor{records: matched, batchSize: batchSize}, nil
}

type cursor struct {
	records   []store.Record
	batchSize int
	pos       int
	closed    bool
}

func (c *cursor) Next(ctx context.Context) ([]store.Record, error) {
	if c.closed {
		return nil, errors.ErrCursorClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.records) {
		return nil, nil
	}

	end := c.pos + c.batchSize
	if end > len(c.records) {
		end = len(c.records)
	}
	batch := c.records[c.pos:end]
	c.pos = end
	return batch, nil
}

func (c *cursor) Close() error {
	c.closed = true
	return nil
}
