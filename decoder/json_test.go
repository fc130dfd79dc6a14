package decoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/measurement"
)

func TestDecodeJSONValueMap(t *testing.T) {
	payload := []byte(`{"sensorB": "10", "sensorA": 23.5}`)

	ms, err := Decode(FormatJSON, payload, Options{})
	require.NoError(t, err)
	require.Len(t, ms, 2)

	// map form is emitted in sorted sensor order
	assert.Equal(t, measurement.Measurement{SensorID: "sensorA", Value: "23.5"}, ms[0])
	assert.Equal(t, measurement.Measurement{SensorID: "sensorB", Value: "10"}, ms[1])
}

func TestDecodeJSONPairMap(t *testing.T) {
	payload := []byte(`{"sensorA": [23.5, "2026-03-01T12:00:00Z"], "sensorB": [10]}`)

	ms, err := Decode(FormatJSON, payload, Options{})
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.Equal(t, "sensorA", ms[0].SensorID)
	assert.Equal(t, "23.5", ms[0].Value)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ms[0].CreatedAt)

	assert.Equal(t, "sensorB", ms[1].SensorID)
	assert.Equal(t, "10", ms[1].Value)
	assert.True(t, ms[1].CreatedAt.IsZero(), "pair without timestamp keeps zero CreatedAt for the sink")
}

func TestDecodeJSONMeasurementArray(t *testing.T) {
	payload := []byte(`[
		{"sensor": "sensorA", "value": "23.5", "createdAt": "2026-03-01T12:00:00Z"},
		{"sensor": "sensorB", "value": 10}
	]`)

	ms, err := Decode(FormatJSON, payload, Options{})
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.Equal(t, "sensorA", ms[0].SensorID)
	assert.Equal(t, "23.5", ms[0].Value)
	assert.False(t, ms[0].CreatedAt.IsZero())

	assert.Equal(t, "sensorB", ms[1].SensorID)
	assert.Equal(t, "10", ms[1].Value)
}

func TestDecodeJSONPathUnwrapsEnvelope(t *testing.T) {
	payload := []byte(`{"meta": {"device": "d1"}, "data": {"readings": {"sensorA": 23.5}}}`)

	ms, err := Decode(FormatJSON, payload, Options{JSONPath: "data.readings"})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "sensorA", ms[0].SensorID)
	assert.Equal(t, "23.5", ms[0].Value)
}

func TestDecodeJSONPathMissingKey(t *testing.T) {
	payload := []byte(`{"data": {}}`)

	_, err := Decode(FormatJSON, payload, Options{JSONPath: "data.readings"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDecode)
}

func TestDecodeJSONMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unparseable json", `{"sensorA": `},
		{"scalar top level", `42`},
		{"nested value", `{"sensorA": {"v": 1}}`},
		{"pair too long", `{"sensorA": [1, "2026-01-01T00:00:00Z", "extra"]}`},
		{"array element missing sensor", `[{"value": 1}]`},
		{"array element missing value", `[{"sensor": "sensorA"}]`},
		{"array element not object", `[42]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := Decode(FormatJSON, []byte(tt.payload), Options{})
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Empty(t, ms, "all-or-nothing: no partial output")
		})
	}
}

func TestDecodeJSONPreservesNumericStringFidelity(t *testing.T) {
	// numeric-looking string stays a string; json number keeps its wire form
	ms, err := Decode(FormatJSON, []byte(`{"a": "23.50", "b": 23.50}`), Options{})
	require.NoError(t, err)
	assert.Equal(t, "23.50", ms[0].Value)
	assert.Equal(t, "23.50", ms[1].Value)
}

func TestDecodeEmptyPayload(t *testing.T) {
	_, err := Decode(FormatJSON, nil, Options{})
	assert.ErrorIs(t, err, errors.ErrEmptyPayload)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		label   string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"application/json", FormatJSON, false},
		{"application/json; charset=utf-8", FormatJSON, false},
		{"CSV", FormatCSV, false},
		{"text/csv", FormatCSV, false},
		{"application/xml", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			f, err := ParseFormat(tt.label)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}
