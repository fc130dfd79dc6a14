// Package ingest implements the ingestion sink, the single choke point both
// the HTTP and broker paths call through to persist canonical measurements.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/measurement"
	"github.com/c360/boxstream/metric"
	"github.com/c360/boxstream/store"
)

// Rejected describes one measurement refused during a batch. Rejections are
// per-record and never fail the batch, so partially-stale device metadata
// degrades ingestion instead of stopping it.
type Rejected struct {
	Measurement measurement.Measurement `json:"measurement"`
	Reason      string                  `json:"reason"`
}

// Result reports the per-record outcome of one ingestion call.
type Result struct {
	Accepted int        `json:"accepted"`
	Rejected []Rejected `json:"rejected,omitempty"`
}

// Hook is invoked after a successful append with the accepted, normalized
// measurements. Hooks are side channels (live tails, notifications); their
// failures never affect the ingestion outcome, so they must not return errors.
type Hook func(boxID string, accepted []measurement.Measurement)

// Metrics holds Prometheus metrics for the sink.
type Metrics struct {
	accepted prometheus.Counter
	rejected *prometheus.CounterVec
	batches  prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ingest",
			Name:      "measurements_accepted_total",
			Help:      "Total measurements accepted and persisted",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ingest",
			Name:      "measurements_rejected_total",
			Help:      "Total measurements rejected per record",
		}, []string{"reason"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Total ingestion batches processed",
		}),
	}

	registry.MustRegister("ingest", map[string]prometheus.Collector{
		"measurements_accepted": m.accepted,
		"measurements_rejected": m.rejected,
		"batches":               m.batches,
	})

	return m
}

// Sink validates and persists canonical measurements.
type Sink struct {
	directory box.Directory
	appender  store.Appender
	hooks     []Hook
	logger    *slog.Logger
	metrics   *Metrics

	// now is swappable for tests.
	now func() time.Time
}

// Option configures the sink.
type Option func(*Sink)

// WithClock overrides the ingestion clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithHook registers a post-ingestion hook.
func WithHook(h Hook) Option {
	return func(s *Sink) { s.hooks = append(s.hooks, h) }
}

// NewSink constructs the sink. registry may be nil in tests.
func NewSink(
	directory box.Directory,
	appender store.Appender,
	logger *slog.Logger,
	registry *metric.Registry,
	opts ...Option,
) *Sink {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		directory: directory,
		appender:  appender,
		logger:    logger.With("component", "ingest"),
		metrics:   newMetrics(registry),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHook registers a post-ingestion hook after construction.
func (s *Sink) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Ingest validates each measurement against the box's sensor set, normalizes
// timestamps, and appends the accepted records as a single logical write.
// Unknown sensors are rejected individually and reported in the Result;
// a returned error means nothing from this batch was persisted.
func (s *Sink) Ingest(ctx context.Context, boxID string, ms []measurement.Measurement) (Result, error) {
	var result Result

	if boxID == "" {
		return result, errors.WrapInvalid(fmt.Errorf("missing box id"), "Sink", "Ingest", "check box id")
	}
	if len(ms) == 0 {
		return result, errors.WrapInvalid(errors.ErrEmptyPayload, "Sink", "Ingest", "check batch")
	}

	// Sensor set is read-only reference data fetched at ingestion time.
	sensorSet, err := s.directory.SensorSet(ctx, boxID)
	if err != nil {
		if errors.Is(err, errors.ErrBoxNotFound) {
			return result, err
		}
		return result, errors.WrapTransient(err, "Sink", "Ingest", "fetch sensor set")
	}

	now := s.now().UTC()
	records := make([]store.Record, 0, len(ms))
	accepted := make([]measurement.Measurement, 0, len(ms))

	for _, m := range ms {
		if err := m.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejected{Measurement: m, Reason: err.Error()})
			s.countRejected("invalid")
			continue
		}
		if _, ok := sensorSet[m.SensorID]; !ok {
			result.Rejected = append(result.Rejected, Rejected{
				Measurement: m,
				Reason:      errors.ErrUnknownSensor.Error(),
			})
			s.countRejected("unknown_sensor")
			continue
		}

		m = m.Normalize(now)
		accepted = append(accepted, m)
		records = append(records, store.Record{
			BoxID:     boxID,
			SensorID:  m.SensorID,
			Value:     m.Value,
			CreatedAt: m.CreatedAt,
		})
	}

	if len(records) > 0 {
		if err := s.appender.Append(ctx, records); err != nil {
			return Result{}, errors.WrapTransient(err, "Sink", "Ingest", "append records")
		}
	}

	result.Accepted = len(records)

	if s.metrics != nil {
		s.metrics.accepted.Add(float64(result.Accepted))
		s.metrics.batches.Inc()
	}
	if len(result.Rejected) > 0 {
		s.logger.Warn("measurements rejected",
			"box", boxID,
			"accepted", result.Accepted,
			"rejected", len(result.Rejected))
	}

	if result.Accepted > 0 {
		s.runHooks(boxID, accepted)
	}

	return result, nil
}

func (s *Sink) countRejected(reason string) {
	if s.metrics != nil {
		s.metrics.rejected.WithLabelValues(reason).Inc()
	}
}

// runHooks shields ingestion from misbehaving hooks.
func (s *Sink) runHooks(boxID string, accepted []measurement.Measurement) {
	for _, h := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("post-ingestion hook panicked", "box", boxID, "panic", r)
				}
			}()
			h(boxID, accepted)
		}()
	}
}
