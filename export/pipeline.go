package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/metric"
	"github.com/c360/boxstream/store"
)

// Default column subsets when the requester selects none.
var (
	defaultSensorColumns     = []string{"createdAt", "value"}
	defaultPhenomenonColumns = []string{"createdAt", "value", "lat", "lng"}
)

// Metrics holds Prometheus metrics for the export pipeline.
type Metrics struct {
	exports  *prometheus.CounterVec
	rows     prometheus.Counter
	failures *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "export",
			Name:      "exports_total",
			Help:      "Completed exports by kind and format",
		}, []string{"kind", "format"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "export",
			Name:      "rows_streamed_total",
			Help:      "Total rows streamed across all exports",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "export",
			Name:      "failures_total",
			Help:      "Export failures by phase",
		}, []string{"phase"}),
	}

	registry.MustRegister("export", map[string]prometheus.Collector{
		"exports":  m.exports,
		"rows":     m.rows,
		"failures": m.failures,
	})

	return m
}

// Exporter builds export streams. It consumes the store's range cursor and
// the box directory; both are read-only from its perspective.
type Exporter struct {
	store     store.Ranger
	directory box.Directory
	policy    Policy
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// Option configures the exporter.
type Option func(*Exporter)

// WithClock overrides the default-window clock.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter constructs the exporter. registry may be nil in tests.
func NewExporter(
	st store.Ranger,
	directory box.Directory,
	policy Policy,
	logger *slog.Logger,
	registry *metric.Registry,
	opts ...Option,
) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Exporter{
		store:     st,
		directory: directory,
		policy:    policy.withDefaults(),
		logger:    logger.With("component", "export"),
		metrics:   newMetrics(registry),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream is a validated, ready-to-run export. Everything that can fail
// before the first byte (range validation, column checks, the metadata
// prescan, opening the cursor) has already happened by the time a Stream
// exists, so a handler can map those failures to a clean error response.
type Stream struct {
	query   Query
	kind    string
	cursor  store.Cursor
	meta    map[string]box.SensorMeta
	logger  *slog.Logger
	metrics *Metrics
}

// Format returns the negotiated output format.
func (s *Stream) Format() Format { return s.query.Format }

// Download reports whether the requester asked for attachment disposition.
func (s *Stream) Download() bool { return s.query.Download }

// Close releases the underlying cursor. Safe to call after WriteTo.
func (s *Stream) Close() error { return s.cursor.Close() }

// SensorExport validates and prepares a single-sensor export. Output is
// capped at the policy's row limit.
func (e *Exporter) SensorExport(ctx context.Context, sensorID string, q Query) (*Stream, error) {
	if err := q.normalize(e.policy, e.now().UTC(), defaultSensorColumns); err != nil {
		e.countFailure("validate")
		return nil, err
	}
	q.rowCap = e.policy.SingleSensorRowCap

	meta, err := e.directory.SensorMeta(ctx, []string{sensorID})
	if err != nil {
		e.countFailure("metadata")
		return nil, errors.WrapTransient(err, "Exporter", "SensorExport", "fetch sensor metadata")
	}

	return e.open(ctx, "sensor", []string{sensorID}, meta, q)
}

// PhenomenonExport validates and prepares a multi-box export: every sensor
// measuring the phenomenon across all matching boxes, each row enriched with
// its own box's metadata. Uncapped by rows; bounded by the time range and
// the MaxBoxes prescan limit.
func (e *Exporter) PhenomenonExport(ctx context.Context, phenomenon string, q Query) (*Stream, error) {
	if err := q.normalize(e.policy, e.now().UTC(), defaultPhenomenonColumns); err != nil {
		e.countFailure("validate")
		return nil, err
	}

	boxes, err := e.directory.BoxesByPhenomenon(ctx, phenomenon)
	if err != nil {
		e.countFailure("metadata")
		return nil, errors.WrapTransient(err, "Exporter", "PhenomenonExport", "list boxes")
	}
	if len(boxes) > e.policy.MaxBoxes {
		e.countFailure("validate")
		return nil, errors.WrapInvalid(
			fmt.Errorf("%d boxes match phenomenon %q, limit is %d", len(boxes), phenomenon, e.policy.MaxBoxes),
			"Exporter", "PhenomenonExport", "bound metadata prescan")
	}

	// Collect the matching sensors and build the per-sensor join table once,
	// before any streaming begins.
	var sensorIDs []string
	meta := make(map[string]box.SensorMeta)
	for _, b := range boxes {
		for _, s := range b.Sensors {
			if s.Phenomenon != phenomenon {
				continue
			}
			sensorIDs = append(sensorIDs, s.ID)
			meta[s.ID] = box.SensorMeta{
				SensorID:   s.ID,
				BoxID:      b.ID,
				BoxName:    b.Name,
				Lat:        b.Location.Lat,
				Lng:        b.Location.Lng,
				Unit:       s.Unit,
				Type:       s.Type,
				Phenomenon: s.Phenomenon,
			}
		}
	}

	return e.open(ctx, "phenomenon", sensorIDs, meta, q)
}

// open starts the retrieval stage. Runs only after validation has passed.
func (e *Exporter) open(
	ctx context.Context,
	kind string,
	sensorIDs []string,
	meta map[string]box.SensorMeta,
	q Query,
) (*Stream, error) {
	cursor, err := e.store.Range(ctx, sensorIDs, q.From, q.To, e.policy.BatchSize)
	if err != nil {
		e.countFailure("retrieve")
		return nil, errors.WrapTransient(err, "Exporter", "open", "open range cursor")
	}

	return &Stream{
		query:   q,
		kind:    kind,
		cursor:  cursor,
		meta:    meta,
		logger:  e.logger,
		metrics: e.metrics,
	}, nil
}

func (e *Exporter) countFailure(phase string) {
	if e.metrics != nil {
		e.metrics.failures.WithLabelValues(phase).Inc()
	}
}

// WriteTo pulls batches from the cursor, transforms each record, and encodes
// it onto w. Each stage only requests work when its downstream is ready; a
// consumer disconnect (write error or ctx cancellation) stops retrieval
// promptly. A mid-stream store error terminates the output early; the
// truncated stream is the detectable outcome.
func (s *Stream) WriteTo(ctx context.Context, w io.Writer) error {
	defer s.cursor.Close()

	enc := newEncoder(s.query.Format, s.query.Columns, s.query.Separator, w)
	if err := enc.begin(); err != nil {
		return err
	}

	rows := 0
stream:
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.cursor.Next(ctx)
		if err != nil {
			if s.metrics != nil {
				s.metrics.failures.WithLabelValues("stream").Inc()
			}
			s.logger.Error("export stream aborted", "kind", s.kind, "rows", rows, "error", err)
			return errors.WrapTransient(err, "Stream", "WriteTo", "fetch batch")
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			if err := enc.write(row{columns: s.query.Columns, record: rec, meta: s.meta[rec.SensorID]}); err != nil {
				// Consumer went away; the deferred Close stops store I/O.
				return err
			}
			rows++
			if s.query.rowCap > 0 && rows >= s.query.rowCap {
				break stream
			}
		}
	}

	if err := enc.end(); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.exports.WithLabelValues(s.kind, s.query.Format.String()).Inc()
		s.metrics.rows.Add(float64(rows))
	}
	return nil
}
