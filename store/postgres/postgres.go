// Package postgres implements the measurement store and box directory on
// PostgreSQL via the pgx stdlib driver.
//
// Expected schema:
//
//	measurements(box_id text, sensor_id text, value text, created_at timestamptz)
//	boxes(id text primary key, name text, lat double precision,
//	      lng double precision, broker jsonb)
//	sensors(id text primary key, box_id text references boxes(id),
//	        phenomenon text, unit text, sensor_type text)
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/store"
)

const measurementTable = "measurements"

// Open opens a pgx-backed *sql.DB and verifies connectivity.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "postgres", "Open", "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "postgres", "Open", "ping database")
	}
	return db, nil
}

// MeasurementStore persists canonical measurements in PostgreSQL.
type MeasurementStore struct {
	db    *sql.DB
	table string
}

// StoreOption configures the store.
type StoreOption func(*MeasurementStore)

// WithTable overrides the default measurement table name.
func WithTable(table string) StoreOption {
	return func(s *MeasurementStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewMeasurementStore constructs a store with the default table name.
func NewMeasurementStore(db *sql.DB, opts ...StoreOption) *MeasurementStore {
	s := &MeasurementStore{db: db, table: measurementTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*MeasurementStore)(nil)

// Append inserts the batch inside one transaction so a batched submission
// persists as a single logical write.
func (s *MeasurementStore) Append(ctx context.Context, records []store.Record) error {
	if s == nil || s.db == nil {
		return errors.WrapFatal(errors.ErrStoreUnavailable, "MeasurementStore", "Append", "check database handle")
	}
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (box_id, sensor_id, value, created_at)
VALUES ($1, $2, $3, $4)`, s.table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "MeasurementStore", "Append", "begin transaction")
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return errors.WrapTransient(err, "MeasurementStore", "Append", "prepare insert")
	}
	defer stmt.Close()

	for _, r := range records {
		if r.BoxID == "" || r.SensorID == "" || r.CreatedAt.IsZero() {
			_ = tx.Rollback()
			return errors.WrapInvalid(
				fmt.Errorf("record for sensor %q is incomplete", r.SensorID),
				"MeasurementStore", "Append", "validate record")
		}
		if _, err := stmt.ExecContext(ctx, r.BoxID, r.SensorID, r.Value, r.CreatedAt); err != nil {
			_ = tx.Rollback()
			return errors.WrapTransient(err, "MeasurementStore", "Append", "insert record")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "MeasurementStore", "Append", "commit transaction")
	}
	return nil
}

// Range opens a streaming cursor over the matching records ordered by
// created_at ascending. Rows are pulled from the driver in batchSize chunks;
// the driver's own result streaming keeps memory bounded regardless of the
// result cardinality.
func (s *MeasurementStore) Range(
	ctx context.Context,
	sensorIDs []string,
	from, to time.Time,
	batchSize int,
) (store.Cursor, error) {
	if s == nil || s.db == nil {
		return nil, errors.WrapFatal(errors.ErrStoreUnavailable, "MeasurementStore", "Range", "check database handle")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if len(sensorIDs) == 0 {
		return &rowCursor{}, nil
	}

	placeholders := make([]string, len(sensorIDs))
	args := make([]any, 0, len(sensorIDs)+2)
	for i, id := range sensorIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, id)
	}
	args = append(args, from, to)

	query := fmt.Sprintf(`
SELECT box_id, sensor_id, value, created_at
FROM %s
WHERE sensor_id IN (%s)
	AND created_at >= $%d
	AND created_at <= $%d
ORDER BY created_at ASC`,
		s.table, strings.Join(placeholders, ", "), len(sensorIDs)+1, len(sensorIDs)+2)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "MeasurementStore", "Range", "open range query")
	}

	return &rowCursor{rows: rows, batchSize: batchSize}, nil
}

// rowCursor adapts *sql.Rows to store.Cursor. A nil rows field is an empty
// cursor.
type rowCursor struct {
	rows      *sql.Rows
	batchSize int
	closed    bool
}

func (c *rowCursor) Next(ctx context.Context) ([]store.Record, error) {
	if c.closed {
		return nil, errors.ErrCursorClosed
	}
	if c.rows == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := make([]store.Record, 0, c.batchSize)
	for len(batch) < c.batchSize && c.rows.Next() {
		var r store.Record
		if err := c.rows.Scan(&r.BoxID, &r.SensorID, &r.Value, &r.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "rowCursor", "Next", "scan record")
		}
		batch = append(batch, r)
	}

	if err := c.rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "rowCursor", "Next", "iterate rows")
	}
	return batch, nil
}

func (c *rowCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rows == nil {
		return nil
	}
	return c.rows.Close()
}
