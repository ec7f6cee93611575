// Package comm is the scanner's communication layer: envelopes published on
// the bus and namespaced state kept in the cache. Neither backend is allowed to
// fail a scan cycle; failures are logged, counted and turned into misses.
package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"CoinScout/internal/domain/models"
	domrepo "CoinScout/internal/domain/repository"
	"CoinScout/pkg/bus"
	"CoinScout/pkg/cache"
	"CoinScout/pkg/config"
	"CoinScout/pkg/kafka"
	"CoinScout/pkg/logger"
	"CoinScout/pkg/metrics"
	"CoinScout/pkg/util"
)

var (
	// ErrPublishDeferred is returned when the bus rejected a message that was
	// then queued for retry.
	ErrPublishDeferred = errors.New("comm: publish failed, queued for retry")
	// ErrPublishDropped is returned when the bus rejected a message and the
	// retry buffer was full.
	ErrPublishDropped = errors.New("comm: publish failed, message dropped")
)

// Settings groups the configuration sections the layer reads.
type Settings struct {
	Namespace cache.Namespace
	Topics    config.TopicsConfig
	Cache     config.CacheConfig
	Comm      config.CommConfig
}

// SettingsFromConfig derives layer settings from the application config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Namespace: cache.NewNamespace(cfg.Cache.Prefix, cfg.Environment).WithTenant(cfg.Tenant),
		Topics:    cfg.Topics,
		Cache:     cfg.Cache,
		Comm:      cfg.Comm,
	}
}

type Option func(*Layer)

// WithLogger sets the layer logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Layer) {
		if log != nil {
			l.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m domrepo.Metrics) Option {
	return func(l *Layer) {
		if m != nil {
			l.metrics = m
		}
	}
}

// shared holds what tenant views have in common.
type shared struct {
	bus       bus.Bus
	cache     cache.Service
	retry     *retryQueue
	closeOnce sync.Once
	closeErr  error
}

// Layer publishes envelopes and caches scanner state. Views returned by
// WithTenant share the bus, cache and retry buffer of their parent.
type Layer struct {
	*shared
	settings Settings
	ns       cache.Namespace
	log      *logger.Logger
	metrics  domrepo.Metrics
}

// New creates the layer over an existing bus and cache and starts the retry
// buffer.
func New(b bus.Bus, c cache.Service, s Settings, opts ...Option) (*Layer, error) {
	if b == nil {
		return nil, fmt.Errorf("comm: bus is required")
	}
	if c == nil {
		return nil, fmt.Errorf("comm: cache is required")
	}
	applyDefaults(&s)

	l := &Layer{
		settings: s,
		ns:       s.Namespace,
		log:      logger.NewNop(),
		metrics:  metrics.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(logger.String("component", "comm"))
	l.shared = &shared{
		bus:   b,
		cache: c,
		retry: newRetryQueue(b, s.Comm.RetryBuffer, s.Comm.RetryMax, s.Comm.RetryBackoff, s.Comm.PublishTimeout, l.metrics, l.log),
	}
	l.retry.start()
	return l, nil
}

func applyDefaults(s *Settings) {
	if s.Namespace.Prefix == "" {
		s.Namespace.Prefix = "scanner"
	}
	if s.Namespace.Environment == "" {
		s.Namespace.Environment = "development"
	}
	if s.Topics.Opportunities == "" {
		s.Topics.Opportunities = "scanner.pool.preliminary"
	}
	if s.Topics.Status == "" {
		s.Topics.Status = "scanner.status"
	}
	if s.Topics.News == "" {
		s.Topics.News = "scanner.news"
	}
	if s.Topics.Errors == "" {
		s.Topics.Errors = "scanner.errors"
	}
	if s.Comm.Source == "" {
		s.Comm.Source = "coinscout-scanner"
	}
	if s.Comm.PublishTimeout <= 0 {
		s.Comm.PublishTimeout = 5 * time.Second
	}
	if s.Comm.FlushTimeout <= 0 {
		s.Comm.FlushTimeout = 10 * time.Second
	}
	if s.Cache.MarketDataTTL <= 0 {
		s.Cache.MarketDataTTL = 120 * time.Second
	}
	if s.Cache.ScanResultTTL <= 0 {
		s.Cache.ScanResultTTL = time.Hour
	}
	if s.Cache.NewsTTL <= 0 {
		s.Cache.NewsTTL = 30 * time.Minute
	}
	if s.Cache.SummaryTTL <= 0 {
		s.Cache.SummaryTTL = time.Hour
	}
	if s.Cache.HistoryCap <= 0 {
		s.Cache.HistoryCap = cache.DefaultHistoryCap
	}
	if s.Cache.OpportunityWindow <= 0 {
		s.Cache.OpportunityWindow = time.Hour
	}
}

// WithTenant returns a view whose cache keys are scoped to tenant.
func (l *Layer) WithTenant(tenant string) *Layer {
	view := *l
	view.ns = l.ns.WithTenant(tenant)
	view.log = l.log.With(logger.String("tenant", tenant))
	return &view
}

// Namespace returns the key namespace of this view.
func (l *Layer) Namespace() cache.Namespace {
	return l.ns
}

// Topics returns the configured topic names.
func (l *Layer) Topics() config.TopicsConfig {
	return l.settings.Topics
}

// NewEnvelope wraps payload with a fresh message id and the current time.
func (l *Layer) NewEnvelope(msgType models.MessageType, payload interface{}, correlationID string) (*models.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", models.ErrInvalidEnvelope, err)
	}
	return &models.Envelope{
		MessageID:     uuid.NewString(),
		MessageType:   msgType,
		Source:        l.settings.Comm.Source,
		Timestamp:     util.FormatTimestamp(time.Now()),
		SchemaVersion: models.SchemaVersion,
		CorrelationID: correlationID,
		Payload:       data,
	}, nil
}

// Publish validates env and hands it to the bus. Invalid envelopes never reach
// the bus. A transport failure queues the message for retry and is reported as
// ErrPublishDeferred.
func (l *Layer) Publish(ctx context.Context, topic string, env *models.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", models.ErrInvalidEnvelope)
	}
	kind := string(env.MessageType)
	if err := env.Validate(); err != nil {
		l.metrics.RecordPublish(kind, "invalid")
		l.log.Warn("comm: envelope rejected",
			logger.String("topic", topic),
			logger.String("message_type", kind),
			logger.Error(err),
		)
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		l.metrics.RecordPublish(kind, "invalid")
		return fmt.Errorf("%w: %v", models.ErrInvalidEnvelope, err)
	}
	msg := bus.Message{
		Topic: topic,
		Key:   []byte(messageKey(env)),
		Value: data,
		Headers: map[string]string{
			kafka.HeaderMessageID:     env.MessageID,
			kafka.HeaderMessageType:   kind,
			kafka.HeaderCorrelationID: env.CorrelationID,
		},
	}

	pctx, cancel := context.WithTimeout(ctx, l.settings.Comm.PublishTimeout)
	defer cancel()
	if err := l.bus.Publish(pctx, msg); err != nil {
		l.metrics.RecordPublish(kind, "failed")
		if errors.Is(err, bus.ErrClosed) {
			return err
		}
		if l.retry.enqueue(pendingMessage{msg: msg, kind: env.MessageType}) {
			l.log.Warn("comm: publish failed, queued for retry",
				logger.String("topic", topic),
				logger.String("message_id", env.MessageID),
				logger.Error(err),
			)
			return fmt.Errorf("%w: %v", ErrPublishDeferred, err)
		}
		l.metrics.RecordPublish(kind, "dropped")
		l.log.Warn("comm: publish failed and retry buffer is full",
			logger.String("topic", topic),
			logger.String("message_id", env.MessageID),
			logger.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrPublishDropped, err)
	}
	l.metrics.RecordPublish(kind, "ok")
	return nil
}

func messageKey(env *models.Envelope) string {
	if s := env.Metadata["symbol"]; s != "" {
		return s
	}
	return env.MessageID
}

func (l *Layer) publishPayload(ctx context.Context, topic string, msgType models.MessageType, payload interface{}, correlationID string, metadata map[string]string) error {
	env, err := l.NewEnvelope(msgType, payload, correlationID)
	if err != nil {
		l.metrics.RecordPublish(string(msgType), "invalid")
		l.log.Warn("comm: payload encoding failed", logger.String("message_type", string(msgType)), logger.Error(err))
		return err
	}
	env.Metadata = metadata
	return l.Publish(ctx, topic, env)
}

// PublishOpportunity publishes opp on the opportunities topic.
func (l *Layer) PublishOpportunity(ctx context.Context, opp models.Opportunity) error {
	return l.publishPayload(ctx, l.settings.Topics.Opportunities, models.MessageOpportunity, opp, opp.CycleID, map[string]string{
		"symbol":         opp.Symbol,
		"recommendation": string(opp.Recommendation),
	})
}

// PublishScanResult publishes a cycle summary on the status topic.
func (l *Layer) PublishScanResult(ctx context.Context, summary models.ScanCycleSummary) error {
	return l.publishPayload(ctx, l.settings.Topics.Status, models.MessageScanResult, summary, summary.CycleID, nil)
}

// PublishHeartbeat publishes hb on the status topic.
func (l *Layer) PublishHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	return l.publishPayload(ctx, l.settings.Topics.Status, models.MessageHeartbeat, hb, "", map[string]string{
		"state": string(hb.State),
	})
}

// PublishNews publishes ev on the news topic.
func (l *Layer) PublishNews(ctx context.Context, ev models.NewsEvent) error {
	return l.publishPayload(ctx, l.settings.Topics.News, models.MessageNewsEvent, ev, "", map[string]string{
		"source": ev.Source,
	})
}

// PublishError publishes an error report for component on the errors topic.
func (l *Layer) PublishError(ctx context.Context, component string, cause error, correlationID string) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	report := models.ErrorReport{Component: component, Message: msg, Timestamp: time.Now().UTC()}
	return l.publishPayload(ctx, l.settings.Topics.Errors, models.MessageError, report, correlationID, map[string]string{
		"component": component,
	})
}

// PublishMessage implements logger.Publisher so aggregated error logs are
// shipped as error envelopes. An empty topic selects the errors topic.
func (l *Layer) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	if topic == "" {
		topic = l.settings.Topics.Errors
	}
	report := models.ErrorReport{
		Component: "logger",
		Message:   "aggregated error logs",
		Details:   map[string]interface{}{"entries": payload},
		Timestamp: time.Now().UTC(),
	}
	if entries, ok := payload.([]logger.AggregatedLogEntry); ok {
		report.Details["count"] = len(entries)
	}
	return l.publishPayload(ctx, topic, models.MessageError, report, "", map[string]string{"component": "logger"})
}

// EnvelopeHandler receives decoded and validated envelopes.
type EnvelopeHandler func(ctx context.Context, env *models.Envelope) error

// Subscribe registers handler for every topic matched by pattern. A trailing
// "." or "*" makes it a prefix subscription. Messages that do not decode into a
// valid envelope are logged and skipped.
func (l *Layer) Subscribe(ctx context.Context, pattern string, handler EnvelopeHandler) (bus.Subscription, error) {
	sub, err := l.bus.Subscribe(ctx, pattern, func(ctx context.Context, msg bus.Message) error {
		env, err := models.DecodeEnvelope(msg.Value)
		if err != nil {
			l.log.Warn("comm: dropping undecodable message", logger.String("topic", msg.Topic), logger.Error(err))
			return nil
		}
		return handler(ctx, env)
	})
	if err != nil {
		return nil, fmt.Errorf("comm: subscribe %q: %w", pattern, err)
	}
	return sub, nil
}

// HealthCheck pings the cache and the bus independently. Values are "ok" or
// the error text.
func (l *Layer) HealthCheck(ctx context.Context) map[string]string {
	checks := map[string]string{"cache": "ok", "bus": "ok"}
	if err := l.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
	}
	if err := l.bus.Ping(ctx); err != nil {
		checks["bus"] = err.Error()
	}
	return checks
}

// PendingRetries is the number of messages waiting in the retry buffer.
func (l *Layer) PendingRetries() int {
	return l.retry.depth()
}

// Close flushes the retry buffer within the configured flush timeout and then
// closes the bus and the cache. Closing any view closes the shared clients.
func (l *Layer) Close() error {
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.settings.Comm.FlushTimeout)
		defer cancel()
		l.retry.flush(ctx)

		var errs []error
		if err := l.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		if err := l.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}
