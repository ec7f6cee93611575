package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"CoinScout/pkg/logger"
)

// RedisBus publishes with PUBLISH and subscribes with SUBSCRIBE/PSUBSCRIBE.
// Only the value travels; keys and headers are already part of the envelope.
type RedisBus struct {
	client *redis.Client
	log    *logger.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus wraps client. The client stays owned by the caller.
func NewRedisBus(client *redis.Client, log *logger.Logger) *RedisBus {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisBus{
		client: client,
		log:    log.With(logger.String("component", "redis_bus")),
		subs:   make(map[*redisSub]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.client.Publish(ctx, msg.Topic, msg.Value).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Topic, err)
	}
	return nil
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	bus    *RedisBus
	once   sync.Once
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, ErrEmptyTopic
	}

	var ps *redis.PubSub
	if IsPrefixPattern(pattern) {
		ps = b.client.PSubscribe(ctx, strings.TrimSuffix(pattern, "*")+"*")
	} else {
		ps = b.client.Subscribe(ctx, pattern)
	}
	// Wait for the subscription confirmation so publishes right after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", pattern, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{ps: ps, cancel: cancel, done: make(chan struct{}), bus: b}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.receive(loopCtx, sub, handler)
	return sub, nil
}

func (b *RedisBus) receive(ctx context.Context, sub *redisSub, handler Handler) {
	defer close(sub.done)

	ch := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg := Message{Topic: m.Channel, Value: []byte(m.Payload)}
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("redis bus: handler panic", logger.String("topic", m.Channel), logger.Any("panic", r))
					}
				}()
				if err := handler(ctx, msg); err != nil {
					b.log.Warn("redis bus: handler failed", logger.String("topic", m.Channel), logger.Error(err))
				}
			}()
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops every subscription. It does not close the shared client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}
