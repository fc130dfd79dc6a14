// Package store defines the measurement persistence interfaces the ingestion
// sink and export pipeline consume. Records are immutable once appended; the
// store is append-only for this entity, so readers need no coordination with
// writers beyond what the backend provides.
package store

import (
	"context"
	"time"
)

// Record is the persisted form of a canonical measurement.
type Record struct {
	BoxID     string
	SensorID  string
	Value     string
	CreatedAt time.Time
}

// Appender persists measurements. Implementations append the batch as a
// single logical write where the backend supports it.
type Appender interface {
	Append(ctx context.Context, records []Record) error
}

// Cursor yields matching records in bounded batches. Next returns an empty
// slice once the result set is exhausted. Close releases backend resources
// and must be safe to call at any point, including mid-iteration when the
// consumer goes away.
type Cursor interface {
	Next(ctx context.Context) ([]Record, error)
	Close() error
}

// Ranger opens a time-ranged cursor over the given sensor identifiers,
// ordered by CreatedAt ascending, projecting only the fields in Record.
// batchSize bounds the per-Next fetch so peak memory is independent of
// result cardinality.
type Ranger interface {
	Range(ctx context.Context, sensorIDs []string, from, to time.Time, batchSize int) (Cursor, error)
}

// Store combines the write and read halves.
type Store interface {
	Appender
	Ranger
}
