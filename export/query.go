// Package export implements the streaming query/export pipeline: time-ranged
// retrieval in bounded batches, per-record transform with optional metadata
// enrichment, and incremental CSV/JSON encoding straight onto the response
// stream. No stage ever materializes the full result set.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/boxstream/errors"
)

// Format selects the output encoding.
type Format int

const (
	// FormatJSON streams a bracketed array of records.
	FormatJSON Format = iota
	// FormatCSV streams a header row plus one delimited row per record.
	FormatCSV
)

// String returns the format label.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCSV:
		return "csv"
	default:
		return "unknown"
	}
}

// ContentType returns the response content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// ParseFormat maps the format query parameter. Empty defaults to JSON.
func ParseFormat(label string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("format %q: %w", label, errors.ErrUnknownFormat),
			"export", "ParseFormat", "resolve format")
	}
}

// Allowed export columns. Requesting anything else aborts before any output.
var allowedColumns = map[string]struct{}{
	"createdAt":  {},
	"value":      {},
	"lat":        {},
	"lng":        {},
	"unit":       {},
	"boxId":      {},
	"sensorId":   {},
	"phenomenon": {},
	"sensorType": {},
	"boxName":    {},
}

// AllowedColumns returns the column allow-list, sorted for documentation and
// error messages.
func AllowedColumns() []string {
	return []string{"createdAt", "value", "lat", "lng", "unit", "boxId", "sensorId", "phenomenon", "sensorType", "boxName"}
}

// Policy bounds what a single export may cost.
type Policy struct {
	// MaxRange caps To-From. Defaults to 31 days.
	MaxRange time.Duration
	// DefaultWindow is applied when From is absent. Defaults to 48h.
	DefaultWindow time.Duration
	// BatchSize is the per-fetch record count. Defaults to 500.
	BatchSize int
	// SingleSensorRowCap caps single-sensor exports. Defaults to 10000.
	SingleSensorRowCap int
	// MaxBoxes bounds the multi-box metadata prescan. Defaults to 2500.
	MaxBoxes int
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.MaxRange <= 0 {
		p.MaxRange = 31 * 24 * time.Hour
	}
	if p.DefaultWindow <= 0 {
		p.DefaultWindow = 48 * time.Hour
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 500
	}
	if p.SingleSensorRowCap <= 0 {
		p.SingleSensorRowCap = 10000
	}
	if p.MaxBoxes <= 0 {
		p.MaxBoxes = 2500
	}
	return p
}

// Query is one export request after parameter parsing.
type Query struct {
	From      time.Time
	To        time.Time
	Format    Format
	Columns   []string
	Separator rune
	Download  bool

	// rowCap is set by the single-sensor path; zero means uncapped.
	rowCap int
}

// normalize applies defaults and validates the query against the policy.
// It runs before any cursor is opened.
func (q *Query) normalize(p Policy, now time.Time, defaultColumns []string) error {
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-p.DefaultWindow)
	}

	if q.From.After(q.To) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: fromDate %s is after toDate %s",
				errors.ErrInvalidTimeRange, q.From.Format(time.RFC3339), q.To.Format(time.RFC3339)),
			"Query", "normalize", "check time range")
	}
	if q.To.Sub(q.From) > p.MaxRange {
		return errors.WrapInvalid(
			fmt.Errorf("%w: span %s exceeds %s", errors.ErrRangeTooWide, q.To.Sub(q.From), p.MaxRange),
			"Query", "normalize", "check time span")
	}

	if len(q.Columns) == 0 {
		q.Columns = defaultColumns
	}
	for _, col := range q.Columns {
		if _, ok := allowedColumns[col]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %q (allowed: %s)", errors.ErrInvalidColumn, col, strings.Join(AllowedColumns(), ", ")),
				"Query", "normalize", "check columns")
		}
	}

	switch q.Separator {
	case 0:
		q.Separator = ';'
	case ',', ';':
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrInvalidSeparator, string(q.Separator)),
			"Query", "normalize", "check separator")
	}

	return nil
}
