// Package httpapi exposes the ingestion and export surface over HTTP. The
// layer stays thin: it parses requests, enforces per-remote rate limits on
// ingestion, and maps classified errors onto status codes. Identity and
// account concerns are handled upstream of this service.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/export"
	"github.com/c360/boxstream/ingest"
	"github.com/c360/boxstream/metric"
)

// Config tunes the HTTP surface.
type Config struct {
	// Addr is the listen address. Defaults to ":8000".
	Addr string
	// MaxRequestSize caps ingestion request bodies. Defaults to 512 KiB.
	MaxRequestSize int64
	// IngestRate is the per-remote ingestion rate in requests per second.
	// Zero disables rate limiting.
	IngestRate float64
	// IngestBurst is the per-remote burst allowance.
	IngestBurst int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = 512 * 1024
	}
	if c.IngestBurst <= 0 {
		c.IngestBurst = 10
	}
	return c
}

// BrokerApplier receives broker configuration changes. Implemented by the
// connection manager.
type BrokerApplier interface {
	Apply(boxID string, cfg *box.BrokerConfig) error
}

// BrokerStore persists broker configuration changes alongside the box record.
type BrokerStore interface {
	SetBroker(ctx context.Context, boxID string, cfg *box.BrokerConfig) error
}

// Metrics holds Prometheus metrics for the HTTP surface.
type Metrics struct {
	requests    *prometheus.CounterVec
	rateLimited prometheus.Counter
	liveClients prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Ingestion requests rejected by the per-remote rate limiter",
		}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "live_clients",
			Help:      "Connected live-tail websocket clients",
		}),
	}

	registry.MustRegister("http", map[string]prometheus.Collector{
		"requests":     m.requests,
		"rate_limited": m.rateLimited,
		"live_clients": m.liveClients,
	})

	return m
}

// Server routes the HTTP surface onto the sink, exporter, and connection
// manager.
type Server struct {
	cfg         Config
	sink        *ingest.Sink
	exporter    *export.Exporter
	brokerStore BrokerStore
	manager     BrokerApplier
	hub         *Hub
	limiter     *remoteLimiter
	logger      *slog.Logger
	metrics     *Metrics
	mux         *http.ServeMux
}

// NewServer wires the routes. The live-tail hub registers itself as a
// post-ingestion hook on the sink. registry may be nil in tests.
func NewServer(
	cfg Config,
	sink *ingest.Sink,
	exporter *export.Exporter,
	brokerStore BrokerStore,
	manager BrokerApplier,
	logger *slog.Logger,
	registry *metric.Registry,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:         cfg,
		sink:        sink,
		exporter:    exporter,
		brokerStore: brokerStore,
		manager:     manager,
		logger:      logger.With("component", "http"),
		metrics:     newMetrics(registry),
		mux:         http.NewServeMux(),
	}
	s.hub = newHub(s.logger, s.metrics)
	sink.AddHook(s.hub.Hook())

	if cfg.IngestRate > 0 {
		s.limiter = newRemoteLimiter(cfg.IngestRate, cfg.IngestBurst)
	}

	s.mux.HandleFunc("POST /boxes/{boxID}/measurements/single", s.handleSingle)
	s.mux.HandleFunc("POST /boxes/{boxID}/measurements", s.handleBulk)
	s.mux.HandleFunc("PUT /boxes/{boxID}/broker", s.handlePutBroker)
	s.mux.HandleFunc("DELETE /boxes/{boxID}/broker", s.handleDeleteBroker)
	s.mux.HandleFunc("GET /boxes/{boxID}/sensors/{sensorID}/measurements", s.handleSensorExport)
	s.mux.HandleFunc("GET /measurements/{phenomenon}", s.handlePhenomenonExport)
	s.mux.HandleFunc("GET /boxes/{boxID}/measurements/live", s.handleLive)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if registry != nil {
		s.mux.Handle("GET /metrics", registry.Handler())
	}

	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info("http server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return errors.WrapFatal(err, "Server", "ListenAndServe", "serve http")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.WrapTransient(err, "Server", "ListenAndServe", "shutdown http")
		}
		s.hub.CloseAll()
		return nil
	}
}

// withRequestID tags every request for tracing. An incoming X-Request-ID is
// honored so upstream proxies can correlate.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) countRequest(route string, code int) {
	if s.metrics != nil {
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

// statusFromError maps classified errors onto status codes. Not-found beats
// the invalid/transient classes so a missing box is a 404 rather than a 400.
func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError keeps internal detail (store DSNs, broker URLs) out of
// responses while preserving the caller-actionable messages.
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.IsNotFound(err), errors.IsInvalid(err):
		return err.Error()
	case errors.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, route string, err error) {
	code := statusFromError(err)
	s.logger.Warn("request failed", "route", route, "status", code, "error", err)
	s.writeErrorStatus(w, route, code, sanitizeError(err))
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, route string, code int, message string) {
	s.countRequest(route, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, _ := json.Marshal(map[string]any{"error": message, "status": code})
	_, _ = w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, code int, body any) {
	s.countRequest(route, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}
