package decoder

import (
	"fmt"
	"strings"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/measurement"
)

// decodeCSV accepts newline-separated rows of the form
//
//	sensorId<sep>value[<sep>createdAt]
//
// with one configured separator applied to every row in the payload. Output
// order matches input row order. Any malformed row rejects the whole payload.
func decodeCSV(payload []byte, opts Options) ([]measurement.Measurement, error) {
	sep := opts.Separator
	if sep == 0 {
		sep = ','
	}

	lines := strings.Split(strings.ReplaceAll(string(payload), "\r\n", "\n"), "\n")
	out := make([]measurement.Measurement, 0, len(lines))

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, string(sep))
		if len(fields) < 2 || len(fields) > 3 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: row %d has %d fields, want 2 or 3", errors.ErrDecode, i+1, len(fields)),
				"decoder", "decodeCSV", "split row")
		}

		m := measurement.Measurement{
			SensorID: strings.TrimSpace(fields[0]),
			Value:    strings.TrimSpace(fields[1]),
		}
		if len(fields) == 3 {
			if ts, ok := measurement.ParseTime(strings.TrimSpace(fields[2])); ok {
				m.CreatedAt = ts
			}
		}

		if err := m.Validate(); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: row %d: %v", errors.ErrDecode, i+1, err),
				"decoder", "decodeCSV", "validate row")
		}

		out = append(out, m)
	}

	if len(out) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyPayload, "decoder", "decodeCSV", "check rows")
	}

	return out, nil
}
