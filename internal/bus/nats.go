package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// HeaderTenant carries the tenant of a published message.
const HeaderTenant = "Kestrel-Tenant"

const natsDrainTimeout = 30 * time.Second

// NATSBus implements EventBus on a NATS connection.
// Subjects are the topic followed by the tenant, so "kestrel.statement.>"
// matches every tenant.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
	closed     chan struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying the initial dial.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	cfg = withNATSDefaults(cfg)

	closed := make(chan struct{})
	var once sync.Once
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 << 20),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			once.Do(func() { close(closed) })
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := dialNATS(cfg, opts)
	if err != nil {
		return nil, err
	}

	slog.Info("nats connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		closed:     closed,
	}, nil
}

func withNATSDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	return cfg
}

func dialNATS(cfg domain.EventBusConfig, opts []nats.Option) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		var conn *nats.Conn
		if conn, err = nats.Connect(cfg.NATSUrl, opts...); err == nil {
			return conn, nil
		}
		slog.Warn("nats dial failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
}

// Publish wraps payload in a message envelope and publishes it.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	env := newMessage(tenantID, topic, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	msg := nats.NewMsg(natsSubject(tenantID, topic))
	msg.Header.Set(HeaderTenant, tenantID)
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	msg.Data = data
	return b.conn.PublishMsg(msg)
}

// Subscribe delivers the tenant's messages on topic to handler. With a queue
// group configured, each message goes to one subscriber of the group.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable nats message", "subject", m.Subject, "error", err)
			return
		}
		if msg.TenantID == "" {
			msg.TenantID = m.Header.Get(HeaderTenant)
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	subject := natsSubject(tenantID, topic)
	var (
		sub *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(subject, b.queueGroup, deliver)
	} else {
		sub, err = b.conn.Subscribe(subject, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Ping flushes the connection to confirm the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if status := b.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats not connected: %s", status)
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains every subscription, letting in-flight handlers finish,
// then closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return err
	}

	select {
	case <-b.closed:
	case <-time.After(natsDrainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func natsSubject(tenantID, topic string) string {
	return topic + "." + tenantID
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
