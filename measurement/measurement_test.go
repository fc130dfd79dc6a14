package measurement

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/boxstream/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Measurement
		wantErr bool
	}{
		{"valid", Measurement{SensorID: "s1", Value: "23.5"}, false},
		{"missing sensor", Measurement{Value: "23.5"}, true},
		{"blank sensor", Measurement{SensorID: "  ", Value: "1"}, true},
		{"missing value", Measurement{SensorID: "s1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("zero timestamp gets now", func(t *testing.T) {
		m := Measurement{SensorID: "s1", Value: "1"}.Normalize(now)
		assert.Equal(t, now, m.CreatedAt)
	})

	t.Run("explicit timestamp preserved", func(t *testing.T) {
		at := now.Add(-time.Hour)
		m := Measurement{SensorID: "s1", Value: "1", CreatedAt: at}.Normalize(now)
		assert.Equal(t, at, m.CreatedAt)
	})
}

func TestScalarValue(t *testing.T) {
	t.Run("string preserved verbatim", func(t *testing.T) {
		v, err := ScalarValue("23.50")
		require.NoError(t, err)
		assert.Equal(t, "23.50", v)
	})

	t.Run("json number keeps wire form", func(t *testing.T) {
		v, err := ScalarValue(json.Number("23.5"))
		require.NoError(t, err)
		assert.Equal(t, "23.5", v)
	})

	t.Run("float formatted without exponent noise", func(t *testing.T) {
		v, err := ScalarValue(10.25)
		require.NoError(t, err)
		assert.Equal(t, "10.25", v)
	})

	t.Run("bool", func(t *testing.T) {
		v, err := ScalarValue(true)
		require.NoError(t, err)
		assert.Equal(t, "true", v)
	})

	t.Run("nested structures rejected", func(t *testing.T) {
		_, err := ScalarValue(map[string]any{"nested": 1})
		assert.ErrorIs(t, err, errors.ErrNonScalarValue)

		_, err = ScalarValue([]any{1, 2})
		assert.ErrorIs(t, err, errors.ErrNonScalarValue)

		_, err = ScalarValue(nil)
		assert.ErrorIs(t, err, errors.ErrNonScalarValue)
	})
}

func TestParseTime(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		ts, ok := ParseTime("2026-03-01T12:30:00Z")
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), ts)
	})

	t.Run("rfc3339 with millis and offset", func(t *testing.T) {
		ts, ok := ParseTime("2026-03-01T13:30:00.250+01:00")
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 250_000_000, time.UTC), ts)
	})

	t.Run("epoch seconds", func(t *testing.T) {
		ts, ok := ParseTime("1767225600")
		require.True(t, ok)
		assert.Equal(t, int64(1767225600), ts.Unix())
	})

	t.Run("epoch millis", func(t *testing.T) {
		ts, ok := ParseTime("1767225600500")
		require.True(t, ok)
		assert.Equal(t, int64(1767225600500), ts.UnixMilli())
	})

	t.Run("garbage", func(t *testing.T) {
		_, ok := ParseTime("yesterday")
		assert.False(t, ok)
		_, ok = ParseTime("")
		assert.False(t, ok)
	})
}
