// Package measurement defines the canonical measurement record all decoders
// produce and the ingestion sink consumes.
package measurement

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/c360/boxstream/errors"
)

// Measurement is one (sensor, value, timestamp) observation in canonical form.
// A zero CreatedAt means the producer supplied no usable timestamp; the
// ingestion sink replaces it with the server clock at ingestion time.
type Measurement struct {
	SensorID  string    `json:"sensor"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the structural invariants of a canonical measurement.
func (m Measurement) Validate() error {
	if strings.TrimSpace(m.SensorID) == "" {
		return errors.WrapInvalid(fmt.Errorf("missing sensor id"), "Measurement", "Validate", "check sensor id")
	}
	if m.Value == "" {
		return errors.WrapInvalid(fmt.Errorf("missing value"), "Measurement", "Validate", "check value")
	}
	return nil
}

// Normalize returns a copy with a zero CreatedAt replaced by now.
func (m Measurement) Normalize(now time.Time) Measurement {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m
}

// ScalarValue renders a decoded JSON value as the canonical textual value.
// Numeric-looking strings are preserved as received; JSON numbers keep their
// wire representation via json.Number. Nested structures and nulls are
// rejected with ErrNonScalarValue.
func ScalarValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", errors.ErrNonScalarValue
		}
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", errors.ErrNonScalarValue
	}
}

// ParseTime parses a producer-supplied timestamp. Accepted forms are RFC3339
// (with or without sub-second precision) and unix epoch in seconds or
// milliseconds. Returns false for anything else; callers leave CreatedAt zero
// so the sink assigns the server clock.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), true
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Heuristic boundary: epoch values past the year 33658 in seconds are
		// treated as milliseconds.
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), true
		}
		if n > 0 {
			return time.Unix(n, 0).UTC(), true
		}
	}

	return time.Time{}, false
}
