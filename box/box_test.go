package box

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/boxstream/errors"
)

func testBox() *Box {
	return &Box{
		ID:       "box1",
		Name:     "Muenster Nord",
		Location: Location{Lat: 52.0, Lng: 7.6},
		Sensors: []Sensor{
			{ID: "s1", Phenomenon: "Temperatur", Unit: "°C", Type: "HDC1080"},
			{ID: "s2", Phenomenon: "rel. Luftfeuchte", Unit: "%", Type: "HDC1080"},
		},
	}
}

func TestBrokerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BrokerConfig
		wantErr bool
	}{
		{
			name: "valid json",
			cfg:  BrokerConfig{URL: "nats://broker:4222", Topic: "box1/data", MessageFormat: "json"},
		},
		{
			name: "valid csv",
			cfg:  BrokerConfig{URL: "nats://broker:4222", Topic: "box1/data", MessageFormat: "csv"},
		},
		{
			name:    "missing url",
			cfg:     BrokerConfig{Topic: "box1/data", MessageFormat: "json"},
			wantErr: true,
		},
		{
			name:    "missing topic",
			cfg:     BrokerConfig{URL: "nats://broker:4222", MessageFormat: "json"},
			wantErr: true,
		},
		{
			name:    "unknown format",
			cfg:     BrokerConfig{URL: "nats://broker:4222", Topic: "t", MessageFormat: "xml"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBrokerConfigEqual(t *testing.T) {
	a := &BrokerConfig{URL: "nats://one", Topic: "t", MessageFormat: "json"}
	b := &BrokerConfig{URL: "nats://one", Topic: "t", MessageFormat: "json"}
	c := &BrokerConfig{URL: "nats://two", Topic: "t", MessageFormat: "json"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.True(t, (*BrokerConfig)(nil).Equal(nil))
}

func TestSensorSet(t *testing.T) {
	set := testBox().SensorSet()
	assert.Len(t, set, 2)
	assert.Contains(t, set, "s1")
	assert.Contains(t, set, "s2")
	assert.NotContains(t, set, "s3")
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(testBox())

	t.Run("get", func(t *testing.T) {
		b, err := dir.Get(ctx, "box1")
		require.NoError(t, err)
		assert.Equal(t, "Muenster Nord", b.Name)

		_, err = dir.Get(ctx, "ghost")
		assert.ErrorIs(t, err, errors.ErrBoxNotFound)
	})

	t.Run("sensor meta joins box fields", func(t *testing.T) {
		meta, err := dir.SensorMeta(ctx, []string{"s1", "unknown"})
		require.NoError(t, err)
		require.Len(t, meta, 1, "unknown sensors are absent, not errors")
		assert.Equal(t, "box1", meta["s1"].BoxID)
		assert.Equal(t, 52.0, meta["s1"].Lat)
		assert.Equal(t, "Temperatur", meta["s1"].Phenomenon)
	})

	t.Run("boxes by phenomenon", func(t *testing.T) {
		boxes, err := dir.BoxesByPhenomenon(ctx, "Temperatur")
		require.NoError(t, err)
		require.Len(t, boxes, 1)

		boxes, err = dir.BoxesByPhenomenon(ctx, "Lautstärke")
		require.NoError(t, err)
		assert.Empty(t, boxes)
	})

	t.Run("broker config lifecycle", func(t *testing.T) {
		withBroker, err := dir.WithBroker(ctx)
		require.NoError(t, err)
		assert.Empty(t, withBroker)

		cfg := &BrokerConfig{URL: "nats://one", Topic: "box1/data", MessageFormat: "json"}
		require.NoError(t, dir.SetBroker(ctx, "box1", cfg))

		withBroker, err = dir.WithBroker(ctx)
		require.NoError(t, err)
		require.Len(t, withBroker, 1)

		require.NoError(t, dir.SetBroker(ctx, "box1", nil))
		withBroker, err = dir.WithBroker(ctx)
		require.NoError(t, err)
		assert.Empty(t, withBroker)

		assert.ErrorIs(t, dir.SetBroker(ctx, "ghost", cfg), errors.ErrBoxNotFound)
	})
}
