package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"CoinScout/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Tenant      string `yaml:"tenant"`

	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Backend    BackendConfig    `yaml:"backend"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Cache      CacheConfig      `yaml:"cache"`
	Topics     TopicsConfig     `yaml:"topics"`
	Comm       CommConfig       `yaml:"comm"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Universe   UniverseConfig   `yaml:"universe"`
	Adapters   AdaptersConfig   `yaml:"adapters"`
	Rules      RulesConfig      `yaml:"rules"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	CORS            bool          `yaml:"cors" default:"true"`
	SlowRequest     time.Duration `yaml:"slow_request" default:"500ms"`
	RateLimit       float64       `yaml:"rate_limit" default:"10"`
	RateBurst       int           `yaml:"rate_burst" default:"20"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
	// Repeated errors are aggregated and published on the errors topic.
	CollectErrors  bool          `yaml:"collect_errors" default:"true"`
	CollectEvery   time.Duration `yaml:"collect_every" default:"30s"`
	CollectMaxKeys int           `yaml:"collect_max_keys" default:"100"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

// BackendConfig selects the bus and cache implementations.
type BackendConfig struct {
	Type  string `yaml:"type" default:"memory" validate:"oneof=kafka redis memory"`
	Cache string `yaml:"cache" default:"memory" validate:"oneof=redis memory layered"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" default:"localhost:6379"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size" default:"10"`
	Timeout  time.Duration `yaml:"timeout" default:"2s"`
}

type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers"`
	GroupID          string        `yaml:"group_id" default:"coinscout"`
	RequiredAcks     int           `yaml:"required_acks" default:"-1"`
	Compression      string        `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd"`
	MaxAttempts      int           `yaml:"max_attempts" default:"3"`
	BatchTimeout     time.Duration `yaml:"batch_timeout" default:"50ms"`
	Workers          int           `yaml:"workers" default:"2"`
	AutoCreateTopics bool          `yaml:"auto_create_topics" default:"true"`
}

type ClickHouseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host" default:"localhost"`
	Port         int           `yaml:"port" default:"9000"`
	Database     string        `yaml:"database" default:"coinscout"`
	User         string        `yaml:"user" default:"default"`
	Password     string        `yaml:"password"`
	UseHTTP      bool          `yaml:"use_http"`
	AsyncInsert  bool          `yaml:"async_insert" default:"true"`
	WaitForAsync bool          `yaml:"wait_for_async_insert"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	MaxExecTime  time.Duration `yaml:"max_execution_time" default:"30s"`
	Retention    int           `yaml:"retention_days" default:"30" validate:"gte=1"`
}

// CacheConfig controls key namespacing and TTLs of the communication layer.
type CacheConfig struct {
	Prefix            string        `yaml:"prefix" default:"scanner" validate:"required"`
	MarketDataTTL     time.Duration `yaml:"market_data_ttl" default:"120s"`
	ScanResultTTL     time.Duration `yaml:"scan_result_ttl" default:"3600s"`
	NewsTTL           time.Duration `yaml:"news_ttl" default:"1800s"`
	SummaryTTL        time.Duration `yaml:"summary_ttl" default:"3600s"`
	HistoryCap        int           `yaml:"history_cap" default:"1000" validate:"gt=0"`
	OpportunityWindow time.Duration `yaml:"opportunity_window" default:"1h"`
	MemoryMaxSize     int           `yaml:"memory_max_size" default:"10000"`
}

type TopicsConfig struct {
	Opportunities string `yaml:"opportunities" default:"scanner.pool.preliminary" validate:"required"`
	Status        string `yaml:"status" default:"scanner.status" validate:"required"`
	News          string `yaml:"news" default:"scanner.news" validate:"required"`
	Errors        string `yaml:"errors" default:"scanner.errors" validate:"required"`
}

// All returns every configured topic.
func (t TopicsConfig) All() []string {
	return []string{t.Opportunities, t.Status, t.News, t.Errors}
}

type CommConfig struct {
	Source         string        `yaml:"source" default:"coinscout-scanner"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"5s"`
	RetryBuffer    int           `yaml:"retry_buffer" default:"1000"`
	RetryMax       int           `yaml:"retry_max" default:"3"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" default:"500ms"`
	FlushTimeout   time.Duration `yaml:"flush_timeout" default:"10s"`
}

type RecommendationThresholds struct {
	StrongBuy float64 `yaml:"strong_buy" default:"80"`
	Buy       float64 `yaml:"buy" default:"65"`
	Hold      float64 `yaml:"hold" default:"45"`
	Sell      float64 `yaml:"sell" default:"30"`
}

type ScannerConfig struct {
	AutoStart            bool                     `yaml:"auto_start" default:"true"`
	Interval             time.Duration            `yaml:"interval" default:"60s"`
	BatchSize            int                      `yaml:"batch_size" default:"20" validate:"gt=0"`
	MaxConcurrent        int                      `yaml:"max_concurrent" default:"5" validate:"gt=0"`
	MinScore             float64                  `yaml:"min_score" default:"60" validate:"gte=0,lte=100"`
	MinConfidence        float64                  `yaml:"min_confidence" default:"0.5" validate:"gte=0,lte=1"`
	MaxOpportunities     int                      `yaml:"max_opportunities" default:"20" validate:"gt=0"`
	ErrorBackoff         time.Duration            `yaml:"error_backoff" default:"10s"`
	MaxErrorBackoff      time.Duration            `yaml:"max_error_backoff" default:"30s"`
	NewsLimit            int                      `yaml:"news_limit" default:"10"`
	NewsLookback         time.Duration            `yaml:"news_lookback" default:"24h"`
	HistoryWindow        time.Duration            `yaml:"history_window" default:"24h"`
	WatchConfidenceFloor float64                  `yaml:"watch_confidence_floor" default:"0.4"`
	PreferredAdapter     string                   `yaml:"preferred_adapter"`
	ReferenceSymbols     []string                 `yaml:"reference_symbols" default:"[\"BTCUSDT\",\"ETHUSDT\"]"`
	Heartbeat            bool                     `yaml:"heartbeat" default:"true"`
	Thresholds           RecommendationThresholds `yaml:"thresholds"`
}

type UniverseConfig struct {
	Symbols    []string `yaml:"symbols" default:"[\"BTCUSDT\",\"ETHUSDT\",\"SOLUSDT\",\"BNBUSDT\",\"XRPUSDT\"]"`
	Dynamic    bool     `yaml:"dynamic" default:"true"`
	Include    []string `yaml:"include"`
	Exclude    []string `yaml:"exclude"`
	MaxSymbols int      `yaml:"max_symbols" default:"100" validate:"gt=0"`
}

type AdapterTimeouts struct {
	MarketData time.Duration `yaml:"market_data" default:"5s"`
	News       time.Duration `yaml:"news" default:"10s"`
	Health     time.Duration `yaml:"health" default:"3s"`
	Connect    time.Duration `yaml:"connect" default:"15s"`
}

type BinanceConfig struct {
	Enabled    bool          `yaml:"enabled" default:"true"`
	BaseURL    string        `yaml:"base_url" default:"https://api.binance.com" validate:"url"`
	APIKey     string        `yaml:"api_key"`
	QuoteAsset string        `yaml:"quote_asset" default:"USDT"`
	RateLimit  float64       `yaml:"rate_limit" default:"10"`
	Burst      int           `yaml:"burst" default:"20"`
	MaxRetries int           `yaml:"max_retries" default:"2"`
	CacheSize  int           `yaml:"cache_size" default:"512"`
	CacheTTL   time.Duration `yaml:"cache_ttl" default:"10s"`
	Mock       bool          `yaml:"mock"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url" default:"wss://stream.binance.com:9443/ws/!ticker@arr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
	CacheSize      int           `yaml:"cache_size" default:"4096"`
	StaleAfter     time.Duration `yaml:"stale_after" default:"2m"`
}

type NewsConfig struct {
	Enabled    bool          `yaml:"enabled" default:"true"`
	BaseURL    string        `yaml:"base_url" default:"https://cryptopanic.com/api/v1" validate:"url"`
	APIKey     string        `yaml:"api_key"`
	RateLimit  float64       `yaml:"rate_limit" default:"1"`
	Burst      int           `yaml:"burst" default:"5"`
	MaxRetries int           `yaml:"max_retries" default:"2"`
	CacheSize  int           `yaml:"cache_size" default:"256"`
	CacheTTL   time.Duration `yaml:"cache_ttl" default:"5m"`
	Mock       bool          `yaml:"mock"`
}

type MockAdapterConfig struct {
	Enabled bool     `yaml:"enabled" default:"true"`
	Seed    uint64   `yaml:"seed" default:"42"`
	Symbols []string `yaml:"symbols"`
}

type AdaptersConfig struct {
	Timeouts       AdapterTimeouts   `yaml:"timeouts"`
	HealthInterval time.Duration     `yaml:"health_interval" default:"30s"`
	Binance        BinanceConfig     `yaml:"binance"`
	Stream         StreamConfig      `yaml:"stream"`
	News           NewsConfig        `yaml:"news"`
	Mock           MockAdapterConfig `yaml:"mock"`
}

type ThreeHighConfig struct {
	Enabled             bool          `yaml:"enabled" default:"true"`
	Weight              float64       `yaml:"weight" default:"0.35"`
	VolatilityWeight    float64       `yaml:"volatility_weight" default:"0.35"`
	VolumeWeight        float64       `yaml:"volume_weight" default:"0.4"`
	CorrelationWeight   float64       `yaml:"correlation_weight" default:"0.25"`
	VolatilityThreshold float64       `yaml:"volatility_threshold" default:"0.5"`
	VolumeThreshold     float64       `yaml:"volume_threshold" default:"0.5"`
	CorrelationMin      float64       `yaml:"correlation_threshold" default:"0.3"`
	MinScore            float64       `yaml:"min_score" default:"0.6"`
	ReferenceVolatility float64       `yaml:"reference_volatility" default:"0.1"`
	SpikeRatio          float64       `yaml:"spike_ratio" default:"3"`
	Lookback            time.Duration `yaml:"lookback" default:"24h"`
	MinHistory          int           `yaml:"min_history" default:"5"`
}

type BlackHorseConfig struct {
	Enabled             bool          `yaml:"enabled" default:"true"`
	Weight              float64       `yaml:"weight" default:"0.35"`
	MomentumWeight      float64       `yaml:"momentum_weight" default:"0.3"`
	VolumeWeight        float64       `yaml:"volume_weight" default:"0.25"`
	SentimentWeight     float64       `yaml:"sentiment_weight" default:"0.3"`
	TechnicalWeight     float64       `yaml:"technical_weight" default:"0.15"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" default:"0.6"`
	MinMomentum         float64       `yaml:"min_momentum" default:"0.55"`
	MinVolume           float64       `yaml:"min_volume" default:"0.4"`
	ReferenceChange     float64       `yaml:"reference_change" default:"0.1"`
	SpikeRatio          float64       `yaml:"spike_ratio" default:"3"`
	NewsFreshness       time.Duration `yaml:"news_freshness" default:"24h"`
	MinHistory          int           `yaml:"min_history" default:"5"`
}

type PotentialFinderConfig struct {
	Enabled           bool    `yaml:"enabled" default:"true"`
	Weight            float64 `yaml:"weight" default:"0.3"`
	MarketCapWeight   float64 `yaml:"market_cap_weight" default:"0.2"`
	PriceWeight       float64 `yaml:"price_weight" default:"0.1"`
	GrowthWeight      float64 `yaml:"growth_weight" default:"0.3"`
	FundamentalWeight float64 `yaml:"fundamental_weight" default:"0.25"`
	RiskWeight        float64 `yaml:"risk_weight" default:"0.15"`
	MinMarketCap      float64 `yaml:"min_market_cap" default:"100000"`
	MaxMarketCap      float64 `yaml:"max_market_cap" default:"1000000000"`
	MaxPrice          float64 `yaml:"max_price" default:"10"`
	MinVolume         float64 `yaml:"min_volume" default:"10000"`
	MinScore          float64 `yaml:"min_score" default:"0.6"`
	MinGrowth         float64 `yaml:"min_growth" default:"0.5"`
	MinFundamentals   float64 `yaml:"min_fundamentals" default:"0.4"`
	MaxRisk           float64 `yaml:"max_risk" default:"0.8"`
}

type RulesConfig struct {
	ThreeHigh       ThreeHighConfig       `yaml:"three_high"`
	BlackHorse      BlackHorseConfig      `yaml:"black_horse"`
	PotentialFinder PotentialFinderConfig `yaml:"potential_finder"`
}

var validate = validator.New()

// Default returns a configuration populated from struct defaults only.
func Default() *Config {
	c := &Config{}
	_ = defaults.Set(c)
	return c
}

// Load reads and parses a YAML configuration file. Missing fields take their
// struct defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// An empty path starts from defaults.
func LoadWithEnv(path string) (*Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}

	c.ApplyEnv(os.Getenv)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides fields from environment lookups.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("SCANNER_ENV"); v != "" {
		c.Environment = v
	}
	if v := getenv("TENANT"); v != "" {
		c.Tenant = v
	}
	if v := getenv("BUS_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := getenv("CACHE_BACKEND"); v != "" {
		c.Backend.Cache = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitCSV(v)
	}
	if v := getenv("BINANCE_API_KEY"); v != "" {
		c.Adapters.Binance.APIKey = v
	}
	if v := getenv("NEWS_API_KEY"); v != "" {
		c.Adapters.News.APIKey = v
	}
	if v := getenv("SYMBOLS"); v != "" {
		c.Universe.Symbols = util.SplitCSV(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Backend.Type == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when backend.type is kafka")
	}
	if c.Scanner.MaxErrorBackoff < c.Scanner.ErrorBackoff {
		return fmt.Errorf("scanner.max_error_backoff must be >= scanner.error_backoff")
	}
	t := c.Scanner.Thresholds
	if !(t.StrongBuy > t.Buy && t.Buy > t.Hold && t.Hold > t.Sell) {
		return fmt.Errorf("scanner.thresholds must be strictly decreasing: strong_buy > buy > hold > sell")
	}
	if len(c.Universe.Symbols) == 0 && !c.Universe.Dynamic {
		return fmt.Errorf("universe.symbols cannot be empty when universe.dynamic is false")
	}
	for _, expr := range append(append([]string{}, c.Universe.Include...), c.Universe.Exclude...) {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("universe pattern %q: %w", expr, err)
		}
	}
	if !c.Adapters.Binance.Enabled && !c.Adapters.Stream.Enabled && !c.Adapters.Mock.Enabled {
		return fmt.Errorf("at least one market data adapter must be enabled")
	}
	return nil
}
