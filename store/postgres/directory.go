package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
)

// Directory implements box.Directory on the boxes and sensors tables.
type Directory struct {
	db *sql.DB
}

// NewDirectory constructs a directory over an open database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

var _ box.Directory = (*Directory)(nil)

// Get returns a box with its sensors and broker configuration.
func (d *Directory) Get(ctx context.Context, boxID string) (*box.Box, error) {
	row := d.db.QueryRowContext(ctx, `
SELECT id, name, lat, lng, broker
FROM boxes
WHERE id = $1`, boxID)

	b, err := scanBox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrBoxNotFound
		}
		return nil, errors.WrapTransient(err, "Directory", "Get", "query box")
	}

	sensors, err := d.sensorsForBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	b.Sensors = sensors
	return b, nil
}

// SensorSet returns the sensor identifiers belonging to a box.
func (d *Directory) SensorSet(ctx context.Context, boxID string) (map[string]struct{}, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM boxes WHERE id = $1)`, boxID).Scan(&exists); err != nil {
		return nil, errors.WrapTransient(err, "Directory", "SensorSet", "check box")
	}
	if !exists {
		return nil, errors.ErrBoxNotFound
	}

	rows, err := d.db.QueryContext(ctx, `SELECT id FROM sensors WHERE box_id = $1`, boxID)
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "SensorSet", "query sensors")
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapTransient(err, "Directory", "SensorSet", "scan sensor id")
		}
		set[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Directory", "SensorSet", "iterate sensors")
	}
	return set, nil
}

// SensorMeta resolves the export join metadata for the given sensor IDs.
func (d *Directory) SensorMeta(ctx context.Context, sensorIDs []string) (map[string]box.SensorMeta, error) {
	if len(sensorIDs) == 0 {
		return map[string]box.SensorMeta{}, nil
	}

	placeholders := make([]string, len(sensorIDs))
	args := make([]any, len(sensorIDs))
	for i, id := range sensorIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
SELECT s.id, s.box_id, b.name, b.lat, b.lng, s.unit, s.sensor_type, s.phenomenon
FROM sensors s
JOIN boxes b ON b.id = s.box_id
WHERE s.id IN (%s)`, strings.Join(placeholders, ", "))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "SensorMeta", "query sensor metadata")
	}
	defer rows.Close()

	out := make(map[string]box.SensorMeta, len(sensorIDs))
	for rows.Next() {
		var m box.SensorMeta
		if err := rows.Scan(&m.SensorID, &m.BoxID, &m.BoxName, &m.Lat, &m.Lng, &m.Unit, &m.Type, &m.Phenomenon); err != nil {
			return nil, errors.WrapTransient(err, "Directory", "SensorMeta", "scan sensor metadata")
		}
		out[m.SensorID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Directory", "SensorMeta", "iterate sensor metadata")
	}
	return out, nil
}

// BoxesByPhenomenon returns the boxes owning at least one sensor measuring
// the given phenomenon, sensors included.
func (d *Directory) BoxesByPhenomenon(ctx context.Context, phenomenon string) ([]*box.Box, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT DISTINCT b.id, b.name, b.lat, b.lng, b.broker
FROM boxes b
JOIN sensors s ON s.box_id = b.id
WHERE s.phenomenon = $1
ORDER BY b.id`, phenomenon)
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "BoxesByPhenomenon", "query boxes")
	}
	defer rows.Close()

	boxes, err := scanBoxes(rows)
	if err != nil {
		return nil, err
	}
	for _, b := range boxes {
		sensors, err := d.sensorsForBox(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Sensors = sensors
	}
	return boxes, nil
}

// WithBroker returns all boxes that currently carry a broker configuration.
func (d *Directory) WithBroker(ctx context.Context) ([]*box.Box, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, name, lat, lng, broker
FROM boxes
WHERE broker IS NOT NULL
ORDER BY id`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "WithBroker", "query boxes")
	}
	defer rows.Close()

	return scanBoxes(rows)
}

// SetBroker stores or clears (nil cfg) a box's broker configuration.
func (d *Directory) SetBroker(ctx context.Context, boxID string, cfg *box.BrokerConfig) error {
	var payload any
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return errors.WrapInvalid(err, "Directory", "SetBroker", "marshal broker config")
		}
		payload = data
	}

	res, err := d.db.ExecContext(ctx, `UPDATE boxes SET broker = $2 WHERE id = $1`, boxID, payload)
	if err != nil {
		return errors.WrapTransient(err, "Directory", "SetBroker", "update box")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.ErrBoxNotFound
	}
	return nil
}

func (d *Directory) sensorsForBox(ctx context.Context, boxID string) ([]box.Sensor, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, phenomenon, unit, sensor_type
FROM sensors
WHERE box_id = $1
ORDER BY id`, boxID)
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "sensorsForBox", "query sensors")
	}
	defer rows.Close()

	var sensors []box.Sensor
	for rows.Next() {
		var s box.Sensor
		if err := rows.Scan(&s.ID, &s.Phenomenon, &s.Unit, &s.Type); err != nil {
			return nil, errors.WrapTransient(err, "Directory", "sensorsForBox", "scan sensor")
		}
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Directory", "sensorsForBox", "iterate sensors")
	}
	return sensors, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBox(row rowScanner) (*box.Box, error) {
	var b box.Box
	var broker sql.NullString
	if err := row.Scan(&b.ID, &b.Name, &b.Location.Lat, &b.Location.Lng, &broker); err != nil {
		return nil, err
	}
	if broker.Valid && broker.String != "" {
		var cfg box.BrokerConfig
		if err := json.Unmarshal([]byte(broker.String), &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Directory", "scanBox", "unmarshal broker config")
		}
		b.Broker = &cfg
	}
	return &b, nil
}

func scanBoxes(rows *sql.Rows) ([]*box.Box, error) {
	var boxes []*box.Box
	for rows.Next() {
		b, err := scanBox(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "Directory", "scanBoxes", "scan box")
		}
		boxes = append(boxes, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Directory", "scanBoxes", "iterate boxes")
	}
	return boxes, nil
}
