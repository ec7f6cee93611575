package comm

import (
	"context"
	"sync"
	"time"

	"CoinScout/internal/domain/models"
	domrepo "CoinScout/internal/domain/repository"
	"CoinScout/pkg/bus"
	"CoinScout/pkg/logger"
)

const maxRetryBackoff = 5 * time.Second

type pendingMessage struct {
	msg      bus.Message
	kind     models.MessageType
	attempts int
}

// retryQueue sits between the layer and the bus. Messages the bus rejected are
// buffered and republished in the background with exponential backoff; when the
// buffer is full the message is dropped.
type retryQueue struct {
	bus         bus.Bus
	metrics     domrepo.Metrics
	log         *logger.Logger
	bufCh       chan pendingMessage
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newRetryQueue(b bus.Bus, size, maxAttempts int, backoff, timeout time.Duration, metrics domrepo.Metrics, log *logger.Logger) *retryQueue {
	if size <= 0 {
		size = 1000
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &retryQueue{
		bus:         b,
		metrics:     metrics,
		log:         log,
		bufCh:       make(chan pendingMessage, size),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		timeout:     timeout,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// start launches background republishing of buffered messages.
func (q *retryQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

func (q *retryQueue) run() {
	defer close(q.doneCh)
	backoff := q.backoff
	for {
		select {
		case <-q.stopCh:
			return
		case p := <-q.bufCh:
			if err := q.publish(p); err == nil {
				backoff = q.backoff
				q.metrics.RecordPublish(string(p.kind), "retried")
				continue
			}
			p.attempts++
			if p.attempts >= q.maxAttempts {
				q.metrics.RecordPublish(string(p.kind), "dropped")
				q.log.Warn("comm: retry attempts exhausted, message dropped",
					logger.String("topic", p.msg.Topic),
					logger.String("message_type", string(p.kind)),
					logger.Int("attempts", p.attempts),
				)
				continue
			}
			// backoff with cap; the message goes back into the buffer either way
			// so a concurrent flush still sees it.
			timer := time.NewTimer(backoff)
			select {
			case <-q.stopCh:
				timer.Stop()
				q.enqueue(p)
				return
			case <-timer.C:
			}
			if backoff < maxRetryBackoff {
				backoff *= 2
			}
			if !q.enqueue(p) {
				q.metrics.RecordPublish(string(p.kind), "dropped")
			}
		}
	}
}

func (q *retryQueue) publish(p pendingMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	return q.bus.Publish(ctx, p.msg)
}

// enqueue buffers p without blocking. It reports false when the buffer is full.
func (q *retryQueue) enqueue(p pendingMessage) bool {
	select {
	case q.bufCh <- p:
		return true
	default:
		return false
	}
}

// depth is the number of buffered messages.
func (q *retryQueue) depth() int {
	return len(q.bufCh)
}

// flush stops the background loop and makes one final publish attempt for
// every buffered message until ctx expires. It returns how many messages were
// dropped.
func (q *retryQueue) flush(ctx context.Context) int {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return 0
	}
	q.stopped = true
	started := q.started
	close(q.stopCh)
	q.mu.Unlock()
	if started {
		<-q.doneCh
	}

	dropped := 0
	for {
		select {
		case p := <-q.bufCh:
			if ctx.Err() != nil {
				dropped++
				q.metrics.RecordPublish(string(p.kind), "dropped")
				continue
			}
			if err := q.publish(p); err != nil {
				dropped++
				q.metrics.RecordPublish(string(p.kind), "dropped")
				continue
			}
			q.metrics.RecordPublish(string(p.kind), "retried")
		default:
			if dropped > 0 {
				q.log.Warn("comm: messages dropped during flush", logger.Int("dropped", dropped))
			}
			return dropped
		}
	}
}
