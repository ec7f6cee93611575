package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"CoinScout/pkg/kafka"
	"CoinScout/pkg/logger"
)

// KafkaBusConfig configures the Kafka transport.
type KafkaBusConfig struct {
	Brokers     []string
	GroupID     string
	Topics      []string // known topics, used to expand prefix subscriptions
	Workers     int
	StopTimeout time.Duration
}

// KafkaBus publishes through one shared producer and runs one consumer group
// per subscription.
type KafkaBus struct {
	cfg      KafkaBusConfig
	producer *kafka.Producer
	log      *logger.Logger

	mu        sync.Mutex
	consumers map[*kafkaSub]struct{}
	closed    bool
}

// NewKafkaBus creates the bus around an existing producer.
func NewKafkaBus(cfg KafkaBusConfig, producer *kafka.Producer, log *logger.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bus: brokers are required")
	}
	if producer == nil {
		return nil, fmt.Errorf("kafka bus: producer is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "coinscout"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &KafkaBus{
		cfg:       cfg,
		producer:  producer,
		log:       log.With(logger.String("component", "kafka_bus")),
		consumers: make(map[*kafkaSub]struct{}),
	}, nil
}

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.producer.PublishBatch(ctx, msg.Topic, []kafka.Message{{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: msg.Headers,
	}})
}

type topicHandler struct {
	topic   string
	handler Handler
}

func (h *topicHandler) Topic() string { return h.topic }

func (h *topicHandler) Handle(ctx context.Context, data []byte) error {
	headers := map[string]string{}
	if id := kafka.CorrelationID(ctx); id != "" {
		headers[kafka.HeaderCorrelationID] = id
	}
	if mt, ok := ctx.Value(kafka.CtxMessageType).(string); ok {
		headers[kafka.HeaderMessageType] = mt
	}
	return h.handler(ctx, Message{Topic: h.topic, Value: data, Headers: headers})
}

type kafkaSub struct {
	consumer *kafka.Consumer
	bus      *KafkaBus
	once     sync.Once
}

func (s *kafkaSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.bus.cfg.StopTimeout)
		defer cancel()
		err = s.consumer.Stop(ctx)
		s.bus.mu.Lock()
		delete(s.bus.consumers, s)
		s.bus.mu.Unlock()
	})
	return err
}

func (b *KafkaBus) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, ErrEmptyTopic
	}

	topics := []string{pattern}
	if IsPrefixPattern(pattern) {
		// Kafka readers need concrete topics.
		topics = Expand(pattern, b.cfg.Topics)
		if len(topics) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchTopics, pattern)
		}
	}

	consumer, err := kafka.NewConsumer(
		kafka.WithConsumerBrokers(b.cfg.Brokers),
		kafka.WithConsumerGroupID(b.groupFor(pattern)),
		kafka.WithConsumerAutoOffsetReset("latest"),
		kafka.WithConsumerWorkers(b.cfg.Workers),
		kafka.WithConsumerLogger(b.log),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka bus: consumer: %w", err)
	}
	consumer.WithConsumerHook(kafka.EnvelopeHeadersHook())

	for _, t := range topics {
		if err := consumer.RegisterHandler(&topicHandler{topic: t, handler: handler}); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &kafkaSub{consumer: consumer, bus: b}
	b.consumers[sub] = struct{}{}
	b.mu.Unlock()

	if err := consumer.Start(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("kafka bus: start consumer: %w", err)
	}

	b.log.Info("kafka bus: subscribed", logger.String("pattern", pattern), logger.Strings("topics", topics))
	return sub, nil
}

// groupFor derives a stable group id per pattern so every subscription
// receives every message.
func (b *KafkaBus) groupFor(pattern string) string {
	r := strings.NewReplacer("*", "all", ".", "-")
	return b.cfg.GroupID + "-" + strings.Trim(r.Replace(pattern), "-")
}

func (b *KafkaBus) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

// Close stops consumers and the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSub, 0, len(b.consumers))
	for s := range b.consumers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			b.log.Warn("kafka bus: stop consumer", logger.Error(err))
		}
	}
	return b.producer.Close()
}
