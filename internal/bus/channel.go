package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 1000

// ChannelBus is an in-process bus. Every subscriber gets its own
// buffered channel and goroutine.
type ChannelBus struct {
	mu     sync.RWMutex
	buffer int
	topics map[string][]*channelSubscription
	closed bool
}

type channelSubscription struct {
	id     string
	topic  string
	inbox  chan *domain.Message
	ctx    context.Context
	cancel context.CancelFunc
	bus    *ChannelBus
}

// NewChannelBus creates a channel bus with the given per-subscriber buffer.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelBus{
		buffer: buffer,
		topics: make(map[string][]*channelSubscription),
	}
}

// Publish hands the message to every subscriber of topic. A topic
// without subscribers drops the message. When a subscriber's buffer is
// full Publish waits until there is room or ctx is done.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	subs := slices.Clone(b.topics[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		count(topic, "dropped")
		return nil
	}

	msg := newMessage(topic, payload)
	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	count(topic, "published")
	return nil
}

// Subscribe starts a goroutine that feeds topic messages to handler.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		inbox:  make(chan *domain.Message, b.buffer),
		ctx:    subCtx,
		cancel: cancel,
		bus:    b,
	}
	b.topics[topic] = append(b.topics[topic], sub)

	go sub.loop(handler)
	return sub, nil
}

func (s *channelSubscription) loop(handler domain.MessageHandler) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			deliver(s.ctx, handler, msg)
		}
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close cancels every subscription. Queued messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	clear(b.topics)
	return nil
}

// Unsubscribe stops the subscription's goroutine.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.topics[s.topic] = slices.DeleteFunc(s.bus.topics[s.topic], func(o *channelSubscription) bool {
		return o.id == s.id
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
