package di

import (
	"context"
	"fmt"
	"time"

	"CoinScout/internal/domain/repository"
	"CoinScout/internal/handler/api"
	internalrepo "CoinScout/internal/repository"
	"CoinScout/internal/service/adapter"
	"CoinScout/internal/service/comm"
	adaptermetrics "CoinScout/internal/service/metrics"
	"CoinScout/internal/service/ratelimit"
	"CoinScout/internal/services/rules"
	"CoinScout/internal/usecase"
	"CoinScout/pkg/bus"
	"CoinScout/pkg/cache"
	pkgch "CoinScout/pkg/clickhouse"
	"CoinScout/pkg/config"
	xhttp "CoinScout/pkg/http"
	pkgkafka "CoinScout/pkg/kafka"
	applogger "CoinScout/pkg/logger"
	"CoinScout/pkg/metrics"
	"CoinScout/pkg/server"
)

// Backends holds the transport and cache selected by the backend config.
type Backends struct {
	Bus   bus.Bus
	Cache cache.Service
}

// ProvideLogger creates the root logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(cfg *config.Config) repository.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	adaptermetrics.Register(nil)
	return metrics.New()
}

// ProvideBackends builds the bus and cache. Redis-backed pieces share one
// client; the cache owns it.
func ProvideBackends(cfg *config.Config, l *applogger.Logger) (*Backends, error) {
	var (
		rc     *cache.RedisCache
		remote cache.Service
	)
	if cfg.Backend.Type == "redis" || cfg.Backend.Cache != "memory" {
		var err error
		rc, err = cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Addr),
			cache.WithRedisPassword(cfg.Redis.Password),
			cache.WithRedisDB(cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, 2, cfg.Redis.Timeout),
			cache.WithRedisTimeouts(cfg.Redis.Timeout, cfg.Redis.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		remote = rc
	}

	var svc cache.Service
	switch cfg.Backend.Cache {
	case "redis":
		svc = remote
	case "layered":
		svc = cache.NewLayeredCache(remote,
			cache.WithLayeredMemorySize(cfg.Cache.MemoryMaxSize),
			cache.WithLayeredMemoryTTL(cfg.Cache.MarketDataTTL),
		)
	default:
		svc = cache.NewMemoryCache(
			cache.WithMemoryMaxSize(cfg.Cache.MemoryMaxSize),
			cache.WithMemoryCleanup(time.Minute),
		)
	}

	var b bus.Bus
	switch cfg.Backend.Type {
	case "redis":
		b = bus.NewRedisBus(rc.Client(), l)
	case "kafka":
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
			pkgkafka.WithMaxAttempts(cfg.Kafka.MaxAttempts),
			pkgkafka.WithBatchTimeout(cfg.Kafka.BatchTimeout),
			pkgkafka.WithAutoCreateTopics(cfg.Kafka.AutoCreateTopics),
			pkgkafka.WithHashByKey(true),
		)
		if err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		kb, err := bus.NewKafkaBus(bus.KafkaBusConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  cfg.Topics.All(),
			Workers: cfg.Kafka.Workers,
		}, producer, l)
		if err != nil {
			_ = producer.Close()
			_ = svc.Close()
			return nil, fmt.Errorf("kafka bus: %w", err)
		}
		b = kb
	default:
		b = bus.NewMemoryBus(l)
	}

	l.Info("backends ready",
		applogger.String("bus", cfg.Backend.Type),
		applogger.String("cache", cfg.Backend.Cache),
	)
	return &Backends{Bus: b, Cache: svc}, nil
}

// ProvideComm creates the communication layer over the selected backends.
func ProvideComm(cfg *config.Config, b *Backends, l *applogger.Logger, m repository.Metrics) (*comm.Layer, error) {
	layer, err := comm.New(b.Bus, b.Cache, comm.SettingsFromConfig(cfg), comm.WithLogger(l), comm.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("comm: %w", err)
	}
	return layer, nil
}

// ProvideAdapterManager registers the configured adapters.
func ProvideAdapterManager(cfg *config.Config, l *applogger.Logger) (*adapter.Manager, error) {
	m, err := adapter.NewFromConfig(cfg.Adapters, l)
	if err != nil {
		return nil, fmt.Errorf("adapters: %w", err)
	}
	return m, nil
}

// ProvideRulesEngine builds the detectors from the rules config.
func ProvideRulesEngine(cfg *config.Config, l *applogger.Logger) (*rules.Engine, error) {
	e, err := rules.NewEngineFromConfig(cfg.Rules, l)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return e, nil
}

// ProvideArchive connects the ClickHouse archive when enabled and returns nil
// otherwise.
func ProvideArchive(cfg *config.Config, l *applogger.Logger) (repository.OpportunityArchive, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	archive := internalrepo.NewClickHouseArchive(client, cfg.ClickHouse.Database, cfg.ClickHouse.Retention)
	archive.SetLogger(l.With(applogger.String("component", "archive")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := archive.Init(ctx); err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return archive, nil
}

// ProvideScanner creates the scan orchestrator.
func ProvideScanner(
	cfg *config.Config,
	manager *adapter.Manager,
	engine *rules.Engine,
	layer *comm.Layer,
	archive repository.OpportunityArchive,
	m repository.Metrics,
	l *applogger.Logger,
) (*usecase.Scanner, error) {
	opts := []usecase.ScannerOption{
		usecase.WithScannerLogger(l),
		usecase.WithScannerMetrics(m),
	}
	if archive != nil {
		opts = append(opts, usecase.WithArchive(archive))
	}
	return usecase.NewScanner(cfg.Scanner, cfg.Universe, manager, engine, layer, opts...)
}

// ProvideScannerHandler creates the control API handler.
func ProvideScannerHandler(
	l *applogger.Logger,
	scanner *usecase.Scanner,
	manager *adapter.Manager,
	layer *comm.Layer,
	archive repository.OpportunityArchive,
) *api.ScannerHandler {
	return api.NewScannerHandler(l, scanner, manager, layer, archive)
}

// ProvideHTTPServer creates the Echo server with the control routes.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, h *api.ScannerHandler) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithLogger(l),
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithSlowThreshold(cfg.Server.SlowRequest),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetricsPath(cfg.Metrics.Path))
	} else {
		opts = append(opts, xhttp.WithMetricsPath(""))
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, xhttp.WithRateLimiter(ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateBurst, 0)))
	}
	return xhttp.NewServer([]xhttp.Handler{h}, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	manager *adapter.Manager,
	scanner *usecase.Scanner,
	layer *comm.Layer,
	archive repository.OpportunityArchive,
	httpServer *xhttp.Server,
) *server.App {
	return server.New(cfg, l, manager, scanner, layer, archive, httpServer)
}
