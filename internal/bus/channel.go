package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 1000

type channelKey struct {
	tenantID string
	topic    string
}

// ChannelBus implements EventBus in process. Each subscription owns a
// buffered inbox drained by one goroutine; a full inbox drops the message.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[channelKey][]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	bus     *ChannelBus
	key     channelKey
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates an in-process bus. bufferSize bounds each inbox.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultChannelBuffer
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[channelKey][]*channelSubscription),
	}
}

// Publish hands the message to every subscriber of the tenant's topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	msg := newMessage(tenantID, topic, payload)
	for _, sub := range b.subs[channelKey{tenantID, topic}] {
		select {
		case sub.inbox <- msg:
		default:
			slog.Warn("subscriber inbox full, message dropped",
				"topic", topic,
				"tenant_id", tenantID,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

// Subscribe starts delivering the tenant's messages on topic to handler.
// The handler runs with ctx until the subscription ends.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		key:     channelKey{tenantID, topic},
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subs[sub.key] = append(b.subs[sub.key], sub)

	go sub.run()
	return sub, nil
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close ends every subscription. Queued messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subs = nil
	return nil
}

func (b *ChannelBus) remove(target *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.key]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.key]) == 0 {
		delete(b.subs, target.key)
	}
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", s.key.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// stop must be called with the subscription out of the publish path.
func (s *channelSubscription) stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.inbox)
	})
}

// Unsubscribe detaches the subscription from the bus and stops its goroutine.
func (s *channelSubscription) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.key.topic
}
