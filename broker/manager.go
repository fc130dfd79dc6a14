package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
	"github.com/c360/boxstream/ingest"
	"github.com/c360/boxstream/metric"
	"github.com/c360/boxstream/pkg/retry"
)

// Config tunes the per-actor reconnect policy.
type Config struct {
	// InitialDelay is the first reconnect delay. Defaults to 1s.
	InitialDelay time.Duration
	// MaxDelay caps the reconnect delay. Defaults to 1m.
	MaxDelay time.Duration
	// ErrorThreshold is the count of consecutive decode/ingest failures
	// before an actor drops and redials its connection. Defaults to 25.
	ErrorThreshold int
}

// Metrics holds Prometheus metrics for the connection manager. All series
// are labelled by box so one device's failure storm is visible in isolation.
type Metrics struct {
	actorsActive    prometheus.Gauge
	state           *prometheus.GaugeVec
	connects        *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	messages        *prometheus.CounterVec
	messageErrors   *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	ingested        *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		actorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "actors_active",
			Help:      "Number of live connection actors",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "actor_state",
			Help:      "Connection state per box (0=disconnected, 1=connecting, 2=connected, 3=backoff)",
		}, []string{"box"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "connects_total",
			Help:      "Successful broker connections per box",
		}, []string{"box"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "connect_failures_total",
			Help:      "Failed broker connection attempts per box",
		}, []string{"box"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Broker messages successfully decoded and ingested per box",
		}, []string{"box"}),
		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "message_errors_total",
			Help:      "Broker messages rejected by decode or ingest per box",
		}, []string{"box"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "messages_dropped_total",
			Help:      "Broker messages dropped on a full subscription buffer per box",
		}, []string{"box"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "measurements_ingested_total",
			Help:      "Measurements ingested from broker messages per box",
		}, []string{"box"}),
	}

	registry.MustRegister("broker", map[string]prometheus.Collector{
		"actors_active":    m.actorsActive,
		"actor_state":      m.state,
		"connects":         m.connects,
		"connect_failures": m.connectFailures,
		"messages":         m.messages,
		"message_errors":   m.messageErrors,
		"messages_dropped": m.messagesDropped,
		"ingested":         m.ingested,
	})

	return m
}

// Manager owns the registry of connection actors. All registry mutation goes
// through the manager's mutex so concurrent config updates cannot race an
// actor into a double subscription or a stale leftover.
type Manager struct {
	directory box.Directory
	sink      *ingest.Sink
	dialer    Dialer
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config

	mu      sync.Mutex
	actors  map[string]*actor
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewManager constructs the connection manager. registry may be nil in tests.
func NewManager(
	directory box.Directory,
	sink *ingest.Sink,
	dialer Dialer,
	logger *slog.Logger,
	registry *metric.Registry,
	cfg Config,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}

	return &Manager{
		directory: directory,
		sink:      sink,
		dialer:    dialer,
		logger:    logger.With("component", "broker"),
		metrics:   newMetrics(registry),
		cfg:       cfg,
		actors:    make(map[string]*actor),
	}
}

// Start rebuilds connection state by scanning the directory for boxes with a
// broker configuration and spawning one actor each. A box with an invalid
// config is logged and skipped; it must not block the rest of the fleet.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Manager", "Start", "start connection manager")
	}

	// The startup scan retries transient directory failures so a briefly
	// unavailable store does not take the whole fleet offline at boot.
	var boxes []*box.Box
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}, func() error {
		var scanErr error
		boxes, scanErr = m.directory.WithBroker(ctx)
		return scanErr
	})
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Start", "scan directory")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	for _, b := range boxes {
		if b.Broker == nil {
			continue
		}
		if err := m.startActorLocked(b.ID, *b.Broker); err != nil {
			m.logger.Error("skipping box with invalid broker config", "box", b.ID, "error", err)
		}
	}

	m.logger.Info("connection manager started", "actors", len(m.actors))
	return nil
}

// Apply observes a broker configuration change for one box and replaces that
// box's actor atomically: the old subscription is fully stopped before the
// new one starts, so updates can neither double-ingest nor leave a stale
// connection running. A nil cfg tears the actor down for good.
func (m *Manager) Apply(boxID string, cfg *box.BrokerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return errors.WrapFatal(errors.ErrNotStarted, "Manager", "Apply", "apply broker config")
	}

	existing := m.actors[boxID]
	if existing != nil && existing.cfg.Equal(cfg) {
		return nil
	}

	// The replacement is validated and constructed before the existing actor
	// is touched, so an invalid config leaves the working subscription alone.
	var replacement *actor
	if cfg != nil {
		a, err := m.buildActorLocked(boxID, *cfg)
		if err != nil {
			return err
		}
		replacement = a
	}

	if existing != nil {
		existing.stop()
		delete(m.actors, boxID)
		if m.metrics != nil {
			m.metrics.actorsActive.Dec()
			m.metrics.state.DeleteLabelValues(boxID)
		}
		m.logger.Info("connection actor stopped", "box", boxID)
	}

	if replacement != nil {
		m.runActorLocked(replacement)
	}
	return nil
}

// buildActorLocked validates the config and constructs the actor without
// starting it. Caller holds mu.
func (m *Manager) buildActorLocked(boxID string, cfg box.BrokerConfig) (*actor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backoff := retry.NewBackoff(m.cfg.InitialDelay, m.cfg.MaxDelay)
	return newActor(boxID, cfg, m.dialer, m.sink, m.logger, m.metrics, backoff, m.cfg.ErrorThreshold)
}

// runActorLocked registers the actor and starts its goroutine. Caller holds mu.
func (m *Manager) runActorLocked(a *actor) {
	actorCtx, cancel := context.WithCancel(m.ctx)
	a.cancel = cancel
	m.actors[a.boxID] = a
	if m.metrics != nil {
		m.metrics.actorsActive.Inc()
	}

	go a.run(actorCtx)
	m.logger.Info("connection actor started", "box", a.boxID, "url", a.cfg.URL, "topic", a.cfg.Topic)
}

// startActorLocked validates the config and spawns the actor. Caller holds mu.
func (m *Manager) startActorLocked(boxID string, cfg box.BrokerConfig) error {
	a, err := m.buildActorLocked(boxID, cfg)
	if err != nil {
		return err
	}
	m.runActorLocked(a)
	return nil
}

// State returns the connection state for one box's actor, or
// (StateDisconnected, false) when no actor exists.
func (m *Manager) State(boxID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[boxID]
	if !ok {
		return StateDisconnected, false
	}
	return a.State(), true
}

// ActorCount returns the number of live actors.
func (m *Manager) ActorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Stop tears down every actor and waits up to timeout for them to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.cancel()

	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*actor)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, a := range actors {
			<-a.done
		}
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped", "actors", len(actors))
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			errors.ErrShuttingDown,
			"Manager", "Stop", "wait for actors to exit")
	}
}
