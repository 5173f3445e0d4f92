package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultNATSAttempts  = 10
	defaultNATSWait      = 5 * time.Second
	natsReconnectBufSize = 8 << 20
)

// NATSBus carries workflow messages on NATS subjects named after the
// topics. Subscribers join a queue group, so each job reaches exactly one
// worker across all Kestrel processes.
type NATSBus struct {
	conn  *nats.Conn
	group string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying the initial connection with
// exponential backoff.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = defaultNATSAttempts
	}
	wait := defaultNATSWait
	if cfg.NATSReconnectWait > 0 {
		wait = cfg.NATSReconnectWait
	}
	group := cfg.NATSQueueGroup
	if group == "" {
		group = workerGroup
	}

	conn, err := connectNATS(url, natsOptions(cfg, attempts, wait), attempts, wait)
	if err != nil {
		return nil, err
	}
	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", group,
	)

	return &NATSBus{
		conn:  conn,
		group: group,
		subs:  make(map[*nats.Subscription]struct{}),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, attempts int, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(natsReconnectBufSize),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("NATS async error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

func connectNATS(url string, opts []nats.Option, attempts int, wait time.Duration) (*nats.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = wait

	var conn *nats.Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		conn, err = nats.Connect(url, opts...)
		return err
	}, backoff.WithMaxRetries(b, uint64(attempts-1)), func(err error, next time.Duration) {
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", next,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s after %d attempts: %w", url, attempt, err)
	}
	return conn, nil
}

// Publish sends the message envelope on the topic's subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, data, err := encode(topic, payload)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	count(topic, "published")
	return nil
}

// Subscribe joins the worker queue group on topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, b.group, func(m *nats.Msg) {
		msg, err := decode(m.Data)
		if err != nil {
			count(m.Subject, "malformed")
			slog.Error("discarding NATS message", "subject", m.Subject, "error", err)
			return
		}
		deliver(ctx, handler, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSubscription{topic: topic, sub: sub, bus: b}, nil
}

// Ping flushes the connection to confirm the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight messages before closing the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe leaves the queue group.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
