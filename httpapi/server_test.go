package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/export"
	"github.com/c360/boxstream/ingest"
	"github.com/c360/boxstream/store/memory"
)

type applyCall struct {
	boxID string
	cfg   *box.BrokerConfig
}

type fakeApplier struct {
	mu    sync.Mutex
	calls []applyCall
}

func (a *fakeApplier) Apply(boxID string, cfg *box.BrokerConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, applyCall{boxID: boxID, cfg: cfg})
	return nil
}

func (a *fakeApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeApplier) lastCall() applyCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[len(a.calls)-1]
}

type testEnv struct {
	ts      *httptest.Server
	srv     *Server
	store   *memory.Store
	dir     *box.MemoryDirectory
	applier *fakeApplier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st := memory.New()
	dir := box.NewMemoryDirectory(&box.Box{
		ID:       "box1",
		Name:     "Muenster Nord",
		Location: box.Location{Lat: 52.0, Lng: 7.6},
		Sensors: []box.Sensor{
			{ID: "s1", Phenomenon: "Temperatur", Unit: "°C", Type: "HDC1080"},
			{ID: "s2", Phenomenon: "rel. Luftfeuchte", Unit: "%", Type: "HDC1080"},
		},
	})

	sink := ingest.NewSink(dir, st, nil, nil)
	exporter := export.NewExporter(st, dir, export.Policy{}, nil, nil)
	applier := &fakeApplier{}

	srv := NewServer(cfg, sink, exporter, dir, applier, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, srv: srv, store: st, dir: dir, applier: applier}
}

func doJSON(t *testing.T, method, url, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestSingleMeasurement(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements/single",
		"application/json", `{"sensor":"s1","value":22.5}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 1, result.Accepted)
	assert.Empty(t, result.Rejected)

	records := env.store.All()
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].SensorID)
	assert.Equal(t, "22.5", records[0].Value)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestSingleMeasurementWithTimestamp(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements/single",
		"application/json", `{"sensor":"s1","value":"12.1","createdAt":"2024-06-15T10:00:00Z"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	records := env.store.All()
	require.Len(t, records, 1)
	assert.Equal(t, "12.1", records[0].Value, "textual values keep their wire form")
	assert.Equal(t, time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC), records[0].CreatedAt)
}

func TestSingleMeasurementUnknownSensor(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements/single",
		"application/json", `{"sensor":"intruder","value":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Zero(t, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Zero(t, env.store.Len())
}

func TestSingleMeasurementNonScalarValue(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements/single",
		"application/json", `{"sensor":"s1","value":{"nested":1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.store.Len())
}

func TestBulkJSON(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `{"s1": 21.0, "s2": ["55", "2024-06-15T10:00:00Z"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, env.store.Len())
}

func TestBulkCSV(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"text/csv", "s1,21.0\ns2,55,2024-06-15T10:00:00Z\n")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, env.store.Len())
}

func TestBulkPartialRejection(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `{"s1": 21.0, "ghost": 1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 1, result.Accepted)
	assert.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, env.store.Len(), "known sensors persist even when siblings are rejected")
}

func TestBulkUnknownBox(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/ghost/measurements",
		"application/json", `{"s1": 21.0}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBulkUnsupportedContentType(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/xml", `<m/>`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkMalformedPayload(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `{"s1": `)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.store.Len(), "a malformed payload persists nothing")
}

func TestIngestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{IngestRate: 0.001, IngestBurst: 1})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements/single",
		"application/json", `{"sensor":"s1","value":1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements/single",
		"application/json", `{"sensor":"s1","value":2}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "upstream-42", resp.Header.Get("X-Request-ID"))
}

func TestPutBroker(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPut, env.ts.URL+"/boxes/box1/broker",
		"application/json", `{"url":"nats://broker:4222","topic":"box1/data","messageFormat":"json"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, 1, env.applier.callCount())
	call := env.applier.lastCall()
	assert.Equal(t, "box1", call.boxID)
	require.NotNil(t, call.cfg)
	assert.Equal(t, "nats://broker:4222", call.cfg.URL)

	b, err := env.dir.Get(context.Background(), "box1")
	require.NoError(t, err)
	require.NotNil(t, b.Broker, "config persists alongside the box")
}

func TestPutBrokerInvalidConfig(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPut, env.ts.URL+"/boxes/box1/broker",
		"application/json", `{"url":"","topic":"t","messageFormat":"json"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.applier.callCount(), "invalid config never reaches the manager")
}

func TestDeleteBroker(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPut, env.ts.URL+"/boxes/box1/broker",
		"application/json", `{"url":"nats://broker:4222","topic":"box1/data","messageFormat":"json"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, env.ts.URL+"/boxes/box1/broker", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	call := env.applier.lastCall()
	assert.Equal(t, "box1", call.boxID)
	assert.Nil(t, call.cfg)

	b, err := env.dir.Get(context.Background(), "box1")
	require.NoError(t, err)
	assert.Nil(t, b.Broker)
}

func TestSensorExportCSVEndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `{"s1": ["21.0", "2024-06-15T10:00:00Z"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	url := env.ts.URL + "/boxes/box1/sensors/s1/measurements" +
		"?format=csv&fromDate=2024-06-15T00:00:00Z&toDate=2024-06-16T00:00:00Z&download=true"
	resp, body := doJSON(t, http.MethodGet, url, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "createdAt;value", lines[0])
	assert.Equal(t, "2024-06-15T10:00:00Z;21.0", lines[1])
}

func TestSensorExportHonorsQueryParameterNames(t *testing.T) {
	env := newTestEnv(t, Config{})

	// One measurement inside the requested window, one outside. If fromDate
	// and toDate were ignored the handler would fall back to the default
	// window around now and return neither row.
	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `[{"sensor":"s1","value":"21.0","createdAt":"2024-06-15T10:00:00Z"},
			{"sensor":"s1","value":"99.9","createdAt":"2024-06-20T10:00:00Z"}]`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	url := env.ts.URL + "/boxes/box1/sensors/s1/measurements" +
		"?format=csv&fromDate=2024-06-15T00:00:00Z&toDate=2024-06-16T00:00:00Z&separator=comma"
	resp, body := doJSON(t, http.MethodGet, url, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2, "only the row inside the requested window is returned")
	assert.Equal(t, "createdAt,value", lines[0])
	assert.Equal(t, "2024-06-15T10:00:00Z,21.0", lines[1])
}

func TestSensorExportBadRange(t *testing.T) {
	env := newTestEnv(t, Config{})

	url := env.ts.URL + "/boxes/box1/sensors/s1/measurements" +
		"?fromDate=2024-06-16T00:00:00Z&toDate=2024-06-15T00:00:00Z"
	resp, _ := doJSON(t, http.MethodGet, url, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSensorExportBadColumn(t *testing.T) {
	env := newTestEnv(t, Config{})

	url := env.ts.URL + "/boxes/box1/sensors/s1/measurements?columns=createdAt,secret"
	resp, _ := doJSON(t, http.MethodGet, url, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPhenomenonExportJSONEndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `{"s1": ["21.0", "2024-06-15T10:00:00Z"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	url := env.ts.URL + "/measurements/Temperatur" +
		"?fromDate=2024-06-15T00:00:00Z&toDate=2024-06-16T00:00:00Z&columns=createdAt,value,boxName"
	resp, body := doJSON(t, http.MethodGet, url, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "21.0", rows[0]["value"])
	assert.Equal(t, "Muenster Nord", rows[0]["boxName"])
}

func TestLiveTailReceivesAcceptedOnly(t *testing.T) {
	env := newTestEnv(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/boxes/box1/measurements/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The hub registers the tail after the dial handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.ClientCount("box1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tail never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/boxes/box1/measurements",
		"application/json", `{"s1": 21.0, "ghost": 1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var tail []map[string]any
	require.NoError(t, json.Unmarshal(frame, &tail))
	require.Len(t, tail, 1, "rejected measurements never reach the tail")
	assert.Equal(t, "s1", tail[0]["sensor"])
	assert.Equal(t, "21.0", tail[0]["value"])
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
