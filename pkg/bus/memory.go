package bus

import (
	"context"
	"sync"

	"CoinScout/pkg/logger"
)

type memorySub struct {
	id      int
	pattern string
	handler Handler
	bus     *MemoryBus
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// MemoryBus delivers synchronously to matching subscribers in the publishing
// goroutine. It backs tests and the single-process deployment.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
	failed error
	log    *logger.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.NewNop()
	}
	return &MemoryBus{subs: make(map[int]*memorySub), log: log}
}

// SetFailure makes every Publish and Ping return err until cleared with nil.
func (b *MemoryBus) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = err
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	if b.failed != nil {
		err := b.failed
		b.mu.RUnlock()
		return err
	}
	targets := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := b.deliver(ctx, s, msg); err != nil {
			b.log.Warn("memory bus: handler failed", logger.String("topic", msg.Topic), logger.Error(err))
		}
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, s *memorySub, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("memory bus: handler panic", logger.String("topic", msg.Topic), logger.Any("panic", r))
		}
	}()
	return s.handler(ctx, msg)
}

func (b *MemoryBus) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, ErrEmptyTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s := &memorySub{id: b.nextID, pattern: pattern, handler: handler, bus: b}
	b.subs[s.id] = s
	return s, nil
}

func (b *MemoryBus) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.failed
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySub)
	return nil
}
