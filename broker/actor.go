package broker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/decoder"
	"github.com/c360/boxstream/ingest"
	"github.com/c360/boxstream/pkg/retry"
)

// State is the connection lifecycle state of one box's actor. Transient,
// never persisted; rebuilt from the directory at process start.
type State int32

const (
	// StateDisconnected means no subscription is open.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the subscription is live and consuming.
	StateConnected
	// StateBackoff means the actor is waiting out a reconnect delay.
	StateBackoff
)

// String returns the state label used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// actor owns one box's subscription. It shares no mutable state with other
// actors; its only collaborators are the read-only decoder registry and the
// ingestion sink.
type actor struct {
	boxID  string
	cfg    box.BrokerConfig
	format decoder.Format
	opts   decoder.Options

	dialer  Dialer
	sink    *ingest.Sink
	logger  *slog.Logger
	metrics *Metrics
	backoff *retry.Backoff

	// errorThreshold is the count of consecutive decode/ingest failures that
	// forces a reconnect of this actor only.
	errorThreshold int

	state  atomic.Int32
	drops  atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

func newActor(
	boxID string,
	cfg box.BrokerConfig,
	dialer Dialer,
	sink *ingest.Sink,
	logger *slog.Logger,
	metrics *Metrics,
	backoff *retry.Backoff,
	errorThreshold int,
) (*actor, error) {
	format, err := decoder.ParseFormat(cfg.MessageFormat)
	if err != nil {
		return nil, err
	}

	opts := decoder.Options{JSONPath: cfg.DecodeOptions.JSONPath}
	if cfg.DecodeOptions.Separator != "" {
		opts.Separator = []rune(cfg.DecodeOptions.Separator)[0]
	}

	if errorThreshold <= 0 {
		errorThreshold = 25
	}

	return &actor{
		boxID:          boxID,
		cfg:            cfg,
		format:         format,
		opts:           opts,
		dialer:         dialer,
		sink:           sink,
		logger:         logger.With("box", boxID, "topic", cfg.Topic),
		metrics:        metrics,
		backoff:        backoff,
		errorThreshold: errorThreshold,
		done:           make(chan struct{}),
	}, nil
}

// State returns the actor's current connection state.
func (a *actor) State() State {
	return State(a.state.Load())
}

func (a *actor) setState(s State) {
	a.state.Store(int32(s))
	if a.metrics != nil {
		a.metrics.state.WithLabelValues(a.boxID).Set(float64(s))
	}
}

// run drives the per-box state machine until ctx is cancelled:
//
//	Disconnected → Connecting → Connected → Disconnected → ...
//	                    ↘ Backoff(n) ↗
//
// The backoff delay grows per consecutive failure up to a cap, with jitter,
// and resets to the minimum after a successful connect.
func (a *actor) run(ctx context.Context) {
	defer close(a.done)
	defer a.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}

		a.setState(StateConnecting)
		sub, err := a.dialer.Dial(ctx, a.cfg, a.noteDrop)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if a.metrics != nil {
				a.metrics.connectFailures.WithLabelValues(a.boxID).Inc()
			}
			a.logger.Warn("broker connect failed",
				"error", err,
				"attempt", a.backoff.Attempt()+1)

			a.setState(StateBackoff)
			if err := a.backoff.Sleep(ctx); err != nil {
				return
			}
			continue
		}

		a.backoff.Reset()
		a.setState(StateConnected)
		if a.metrics != nil {
			a.metrics.connects.WithLabelValues(a.boxID).Inc()
		}
		a.logger.Info("broker connected")

		a.consume(ctx, sub)
		_ = sub.Close()
		a.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		a.logger.Info("broker connection lost, reconnecting")
	}
}

// consume processes messages in arrival order until the subscription dies,
// the per-box error threshold trips, or ctx is cancelled.
func (a *actor) consume(ctx context.Context, sub Subscription) {
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}

			if err := a.handle(ctx, payload); err != nil {
				consecutive++
				if a.metrics != nil {
					a.metrics.messageErrors.WithLabelValues(a.boxID).Inc()
				}
				a.logger.Warn("message rejected",
					"error", err,
					"consecutive_errors", consecutive)

				if consecutive >= a.errorThreshold {
					a.logger.Error("error threshold exceeded, dropping connection",
						"threshold", a.errorThreshold)
					return
				}
				continue
			}
			consecutive = 0
		}
	}
}

// handle decodes one payload and feeds the result to the sink. Failures are
// local to this actor.
func (a *actor) handle(ctx context.Context, payload []byte) error {
	measurements, err := decoder.Decode(a.format, payload, a.opts)
	if err != nil {
		return err
	}

	result, err := a.sink.Ingest(ctx, a.boxID, measurements)
	if err != nil {
		return err
	}

	if a.metrics != nil {
		a.metrics.messages.WithLabelValues(a.boxID).Inc()
		a.metrics.ingested.WithLabelValues(a.boxID).Add(float64(result.Accepted))
	}
	return nil
}

// noteDrop records one message the subscription discarded on a full buffer.
// Called from the broker client's callback goroutine, so it must not block.
func (a *actor) noteDrop() {
	a.drops.Add(1)
	if a.metrics != nil {
		a.metrics.messagesDropped.WithLabelValues(a.boxID).Inc()
	}
}

// stop cancels the actor and waits for its goroutine to exit.
func (a *actor) stop() {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}
