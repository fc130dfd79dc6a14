// Package broker maintains one independent, long-lived publish/subscribe
// subscription per box with a broker configuration. Each box gets its own
// connection actor running its own reconnect lifecycle; one box's broker
// failing, flapping, or feeding garbage cannot affect any other box's actor.
package broker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/boxstream/box"
	"github.com/c360/boxstream/errors"
)

// Subscription is one live topic subscription on a box's broker.
type Subscription interface {
	// Messages yields raw payloads in arrival order. The channel is closed
	// on broker-initiated connection loss.
	Messages() <-chan []byte
	// Close terminates the subscription and its connection. Idempotent.
	Close() error
}

// Dialer opens subscriptions. The production implementation speaks NATS;
// tests substitute a fake. onDrop is invoked once per message the
// subscription had to discard on a full buffer; it must be non-blocking.
type Dialer interface {
	Dial(ctx context.Context, cfg box.BrokerConfig, onDrop func()) (Subscription, error)
}

// NATSDialer opens one dedicated NATS connection per subscription. Client
// auto-reconnect is disabled: the connection actor owns the reconnect
// lifecycle so backoff and failure isolation stay per-box.
type NATSDialer struct {
	// ConnectTimeout bounds the handshake. Defaults to 5s.
	ConnectTimeout time.Duration
	// BufferSize is the per-subscription message channel depth.
	BufferSize int
}

var _ Dialer = (*NATSDialer)(nil)

// Dial connects to the box's broker and subscribes to its topic.
func (d *NATSDialer) Dial(ctx context.Context, cfg box.BrokerConfig, onDrop func()) (Subscription, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	bufSize := d.BufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	msgs := make(chan []byte, bufSize)
	closed := make(chan struct{})

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(0),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	}

	co := cfg.ConnectionOptions
	if co.ClientName != "" {
		opts = append(opts, nats.Name(co.ClientName))
	}
	if co.Username != "" {
		opts = append(opts, nats.UserInfo(co.Username, co.Password))
	}
	if co.Token != "" {
		opts = append(opts, nats.Token(co.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSDialer", "Dial", "connect to broker")
	}

	sub, err := conn.Subscribe(cfg.Topic, func(msg *nats.Msg) {
		select {
		case msgs <- msg.Data:
		default:
			// Channel full: the actor is stalled on a slow sink. Dropping
			// here keeps the NATS callback non-blocking; the drop is
			// reported so at-least-once gaps stay observable.
			if onDrop != nil {
				onDrop()
			}
		}
	})
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "NATSDialer", "Dial", "subscribe to topic")
	}

	ns := &natsSubscription{conn: conn, sub: sub, msgs: msgs, closed: closed}
	go ns.watch()
	return ns, nil
}

type natsSubscription struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	msgs   chan []byte
	closed chan struct{}
}

// watch closes the message channel once the connection is gone, signalling
// the actor to enter its reconnect path.
func (s *natsSubscription) watch() {
	<-s.closed
	close(s.msgs)
}

func (s *natsSubscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *natsSubscription) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}
	return nil
}
