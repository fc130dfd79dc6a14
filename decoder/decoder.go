// Package decoder turns heterogeneous wire payloads into canonical
// measurements. The format set is closed: JSON and CSV, selected by an
// explicit Format value rather than an open handler lookup, so an
// unrecognized label fails with a defined error instead of a nil handler.
//
// Decoders are pure transforms: they never touch the store, and decoding is
// all-or-nothing per payload. A malformed document or row rejects the whole
// payload with errors.ErrDecode so callers can distinguish "rejected" from
// "partially ingested".
package decoder

import (
	"fmt"
	"strings"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/measurement"
)

// Format identifies a registered wire format.
type Format int

const (
	// FormatJSON covers single-value maps, [value, timestamp] maps and
	// explicit measurement arrays.
	FormatJSON Format = iota
	// FormatCSV covers newline-separated sensorId,value[,createdAt] rows.
	FormatCSV
)

// String returns the canonical label for the format.
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

// ParseFormat maps a content-type string or configured messageFormat label to
// a Format. Media type parameters (e.g. "; charset=utf-8") are ignored.
func ParseFormat(label string) (Format, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if i := strings.IndexByte(label, ';'); i >= 0 {
		label = strings.TrimSpace(label[:i])
	}

	switch label {
	case "json", "application/json":
		return FormatJSON, nil
	case "csv", "text/csv":
		return FormatCSV, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%q: %w", label, errors.ErrUnknownFormat),
			"decoder", "ParseFormat", "resolve format label")
	}
}

// Options carries the per-box decodeOptions applied to every payload from
// that box.
type Options struct {
	// JSONPath extracts a sub-document from a broker envelope before the
	// JSON mapping rules apply. Dot-separated object keys, e.g. "data.readings".
	JSONPath string
	// Separator is the CSV column separator. Zero value means comma.
	Separator rune
}

// Decode converts one raw payload into canonical measurements. The switch is
// exhaustive over the closed format set.
func Decode(format Format, payload []byte, opts Options) ([]measurement.Measurement, error) {
	if len(payload) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyPayload, "decoder", "Decode", "check payload")
	}

	switch format {
	case FormatJSON:
		return decodeJSON(payload, opts)
	case FormatCSV:
		return decodeCSV(payload, opts)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("format %d: %w", format, errors.ErrUnknownFormat),
			"decoder", "Decode", "select decoder")
	}
}
