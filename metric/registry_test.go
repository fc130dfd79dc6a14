package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/boxstream/errors"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegisterAndServe(t *testing.T) {
	reg := NewRegistry()

	c := newTestCounter("events_total")
	require.NoError(t, reg.Register("ingest", "events", c))
	c.Add(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "boxstream_test_events_total 3")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("ingest", "events", newTestCounter("dup_total")))

	err := reg.Register("ingest", "events", newTestCounter("dup2_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry()

	c := newTestCounter("gone_total")
	require.NoError(t, reg.Register("export", "gone", c))

	assert.True(t, reg.Unregister("export", "gone"))
	assert.False(t, reg.Unregister("export", "gone"), "second unregister is a no-op")

	// Name is free again after unregistering.
	require.NoError(t, reg.Register("export", "gone", newTestCounter("gone_total")))
}
