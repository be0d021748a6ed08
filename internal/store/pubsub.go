package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is a single pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscription delivers messages until closed or its context ends
type Subscription interface {
	Channel() <-chan *Message
	Close() error
}

// PubSub fans JSON messages out to subscribers, in-process or through Redis
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// memorySubscription is the in-process Subscription
type memorySubscription struct {
	channels map[string]bool
	msgChan  chan *Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newMemorySubscription(channels []string) *memorySubscription {
	channelMap := make(map[string]bool)
	for _, ch := range channels {
		channelMap[ch] = true
	}

	return &memorySubscription{
		channels: channelMap,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}
}

func (m *memorySubscription) Channel() <-chan *Message {
	return m.msgChan
}

func (m *memorySubscription) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.closeCh)
		close(m.msgChan)
	}
	return nil
}

// send delivers without blocking; slow subscribers drop messages
func (m *memorySubscription) send(msg *Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || !m.channels[msg.Channel] {
		return
	}

	select {
	case m.msgChan <- msg:
	default:
	}
}

// PubSubHub is the in-process PubSub
type PubSubHub struct {
	subscribers map[string][]*memorySubscription // channel -> subscribers
	mu          sync.RWMutex
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[string][]*memorySubscription),
	}
}

func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := newMemorySubscription(channels)

	h.mu.Lock()
	for _, channel := range channels {
		h.subscribers[channel] = append(h.subscribers[channel], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, channel := range channels {
			subscribers := h.subscribers[channel]
			for i, s := range subscribers {
				if s == sub {
					h.subscribers[channel] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(h.subscribers[channel]) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}()

	return sub, nil
}

func (h *PubSubHub) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	h.mu.RLock()
	subscribers := make([]*memorySubscription, len(h.subscribers[channel]))
	copy(subscribers, h.subscribers[channel])
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: string(data)}
	for _, sub := range subscribers {
		sub.send(msg)
	}
	return nil
}

// RedisPubSub publishes through Redis so every replica sees every event
type RedisPubSub struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisPubSub(client *redis.Client, logger *zap.SugaredLogger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		if r.logger != nil {
			r.logger.Errorw("Publish error", "channel", channel, "error", err)
		}
		return fmt.Errorf("pubsub publish error: %w", err)
	}
	return nil
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("pubsub subscribe error: %w", err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan *Message, 100)}
	go sub.pump(ctx)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan *Message
	once sync.Once
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
			default:
			}
		}
	}
}

func (s *redisSubscription) Channel() <-chan *Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
