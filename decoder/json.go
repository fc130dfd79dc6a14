package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/measurement"
)

// decodeJSON accepts the three canonical JSON shapes:
//
//	{"sensorA": 23.5}                          value map
//	{"sensorA": [23.5, "2026-03-01T12:00:00Z"]} value/timestamp map
//	[{"sensor": "sensorA", "value": 23.5, "createdAt": "..."}]  explicit array
//
// With opts.JSONPath set, the sub-document at that path is extracted first.
func decodeJSON(payload []byte, opts Options) ([]measurement.Measurement, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecode, err),
			"decoder", "decodeJSON", "parse document")
	}

	if opts.JSONPath != "" {
		sub, err := extractPath(doc, opts.JSONPath)
		if err != nil {
			return nil, err
		}
		doc = sub
	}

	switch v := doc.(type) {
	case map[string]any:
		return decodeSensorMap(v)
	case []any:
		return decodeMeasurementArray(v)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: top-level value must be an object or array", errors.ErrDecode),
			"decoder", "decodeJSON", "classify document shape")
	}
}

// extractPath walks a dot-separated object path, unwrapping broker envelopes.
func extractPath(doc any, path string) (any, error) {
	current := doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: path %q traverses a non-object", errors.ErrDecode, path),
				"decoder", "extractPath", "walk json path")
		}
		next, ok := obj[key]
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: path %q: key %q not found", errors.ErrDecode, path, key),
				"decoder", "extractPath", "walk json path")
		}
		current = next
	}
	return current, nil
}

// decodeSensorMap handles both map shapes. A map value is either a scalar or
// a [value, timestamp] pair. Keys are emitted in sorted order so output is
// deterministic despite map iteration.
func decodeSensorMap(obj map[string]any) ([]measurement.Measurement, error) {
	ids := make([]string, 0, len(obj))
	for id := range obj {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]measurement.Measurement, 0, len(obj))
	for _, id := range ids {
		m := measurement.Measurement{SensorID: id}

		switch val := obj[id].(type) {
		case []any:
			if len(val) < 1 || len(val) > 2 {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: sensor %q: pair must be [value] or [value, timestamp]", errors.ErrDecode, id),
					"decoder", "decodeSensorMap", "parse value pair")
			}
			text, err := measurement.ScalarValue(val[0])
			if err != nil {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: sensor %q: %v", errors.ErrDecode, id, err),
					"decoder", "decodeSensorMap", "parse pair value")
			}
			m.Value = text
			if len(val) == 2 {
				raw, ok := val[1].(string)
				if !ok {
					return nil, errors.WrapInvalid(
						fmt.Errorf("%w: sensor %q: pair timestamp must be a string", errors.ErrDecode, id),
						"decoder", "decodeSensorMap", "parse pair timestamp")
				}
				if ts, ok := measurement.ParseTime(raw); ok {
					m.CreatedAt = ts
				}
			}
		default:
			text, err := measurement.ScalarValue(obj[id])
			if err != nil {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: sensor %q: %v", errors.ErrDecode, id, err),
					"decoder", "decodeSensorMap", "parse value")
			}
			m.Value = text
		}

		if err := m.Validate(); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: sensor %q: %v", errors.ErrDecode, id, err),
				"decoder", "decodeSensorMap", "validate measurement")
		}
		out = append(out, m)
	}

	return out, nil
}

// decodeMeasurementArray handles the explicit array shape used by the
// bulk-array ingestion path.
func decodeMeasurementArray(arr []any) ([]measurement.Measurement, error) {
	out := make([]measurement.Measurement, 0, len(arr))

	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: element %d is not an object", errors.ErrDecode, i),
				"decoder", "decodeMeasurementArray", "parse element")
		}

		sensor, _ := obj["sensor"].(string)
		rawValue, hasValue := obj["value"]
		if sensor == "" || !hasValue {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: element %d: sensor and value are required", errors.ErrDecode, i),
				"decoder", "decodeMeasurementArray", "check required fields")
		}

		text, err := measurement.ScalarValue(rawValue)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: element %d: %v", errors.ErrDecode, i, err),
				"decoder", "decodeMeasurementArray", "parse value")
		}

		m := measurement.Measurement{SensorID: sensor, Value: text}
		if raw, ok := obj["createdAt"].(string); ok {
			if ts, ok := measurement.ParseTime(raw); ok {
				m.CreatedAt = ts
			}
		}

		out = append(out, m)
	}

	return out, nil
}
