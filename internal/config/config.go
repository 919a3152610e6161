package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration shared by every binary
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Processor  ProcessorConfig   `yaml:"processor"`
	Storage    StorageConfig     `yaml:"storage"`
	DeadLetter *DeadLetterConfig `yaml:"dead_letter,omitempty"`
	Query      QueryConfig       `yaml:"query"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
	Health     *HealthConfig     `yaml:"health,omitempty"`
	Tracing    *TracingConfig    `yaml:"tracing,omitempty"`
	Profiling  *ProfilingConfig  `yaml:"profiling,omitempty"`
	Shutdown   ShutdownConfig    `yaml:"shutdown"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// KafkaConfig holds broker settings for both the producer and the consumer group
type KafkaConfig struct {
	Brokers          []string   `yaml:"brokers"`
	Topic            string     `yaml:"topic"`
	ConsumerGroup    string     `yaml:"consumer_group,omitempty"`
	ProducerClientID string     `yaml:"producer_client_id,omitempty"`
	ConsumerClientID string     `yaml:"consumer_client_id,omitempty"`
	Version          string     `yaml:"version,omitempty"`
	RequiredAcks     int16      `yaml:"required_acks,omitempty"`
	CompressionCodec string     `yaml:"compression_codec,omitempty"`
	InitialOffset    string     `yaml:"initial_offset,omitempty"` // newest or oldest
	SASLEnabled      bool       `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string     `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string     `yaml:"sasl_username,omitempty"`
	SASLPassword     string     `yaml:"sasl_password,omitempty"`
	TLS              *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig holds certificate paths for a client or listener
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// GatewayConfig configures the HTTP ingestion gateway
type GatewayConfig struct {
	Address        string                `yaml:"address"`
	Token          string                `yaml:"token"`
	MaxBodySize    int64                 `yaml:"max_body_size,omitempty"`
	ReadTimeout    time.Duration         `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration         `yaml:"write_timeout,omitempty"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit"`
	PublishRetry   RetryConfig           `yaml:"publish_retry"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	TLS            *TLSConfig            `yaml:"tls,omitempty"`
}

// RateLimitConfig is a request-count window per client
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ProcessorConfig configures the stream processor
type ProcessorConfig struct {
	DedupWindow  int           `yaml:"dedup_window,omitempty"`
	GracePeriod  time.Duration `yaml:"grace_period,omitempty"`
	PersistRetry RetryConfig   `yaml:"persist_retry"`
	Anomaly      AnomalyConfig `yaml:"anomaly"`
}

// AnomalyConfig holds the scorer thresholds
type AnomalyConfig struct {
	ZThreshold      float64 `yaml:"z_threshold,omitempty"`
	WarmupSamples   int     `yaml:"warmup_samples,omitempty"`
	Epsilon         float64 `yaml:"epsilon,omitempty"`
	ErrorDecay      float64 `yaml:"error_decay,omitempty"`
	ErrorMultiplier float64 `yaml:"error_multiplier,omitempty"`
	ErrorRateFloor  float64 `yaml:"error_rate_floor,omitempty"`
	MaxScore        float64 `yaml:"max_score,omitempty"`
}

// StorageConfig selects and configures the record store
type StorageConfig struct {
	Type          string               `yaml:"type"` // memory, duckdb, elasticsearch
	DuckDB        DuckDBConfig         `yaml:"duckdb,omitempty"`
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
}

// DuckDBConfig configures the DuckDB backend
type DuckDBConfig struct {
	Path         string        `yaml:"path"`
	QueryTimeout time.Duration `yaml:"query_timeout,omitempty"`
}

// ElasticsearchConfig configures the Elasticsearch backend
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
	CloudID   string   `yaml:"cloud_id,omitempty"`
	APIKey    string   `yaml:"api_key,omitempty"`
	Refresh   string   `yaml:"refresh,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests,omitempty"`
	Interval         time.Duration `yaml:"interval,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
}

// DeadLetterConfig holds configuration for parked messages
type DeadLetterConfig struct {
	Enabled       bool             `yaml:"enabled"`
	Dir           string           `yaml:"dir"`
	MaxSize       int64            `yaml:"max_size,omitempty"`
	MaxAge        time.Duration    `yaml:"max_age,omitempty"`
	FlushInterval time.Duration    `yaml:"flush_interval,omitempty"`
	S3            *S3ArchiveConfig `yaml:"s3,omitempty"`
}

// S3ArchiveConfig configures periodic upload of parked messages
type S3ArchiveConfig struct {
	Bucket       string        `yaml:"bucket"`
	Region       string        `yaml:"region"`
	Prefix       string        `yaml:"prefix,omitempty"`
	Endpoint     string        `yaml:"endpoint,omitempty"`
	UsePathStyle bool          `yaml:"use_path_style,omitempty"`
	Interval     time.Duration `yaml:"interval,omitempty"`
}

// QueryConfig configures the read-only query API
type QueryConfig struct {
	Address      string     `yaml:"address"`
	Token        string     `yaml:"token,omitempty"`
	DefaultLimit int        `yaml:"default_limit,omitempty"`
	MaxLimit     int        `yaml:"max_limit,omitempty"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig enables the pprof listener
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address,omitempty"`
	BlockProfile       bool   `yaml:"block_profile,omitempty"`
	MutexProfile       bool   `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int    `yaml:"goroutine_threshold,omitempty"`
}

// ShutdownConfig bounds graceful shutdown
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default values
const (
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultBroker           = "localhost:9092"
	DefaultTopic            = "logs"
	DefaultConsumerGroup    = "log-processors"
	DefaultProducerClientID = "insighthub-ingestion"
	DefaultConsumerClientID = "insighthub-processor"
	DefaultGatewayAddress   = "0.0.0.0:8000"
	DefaultQueryAddress     = "0.0.0.0:8001"
	DefaultRateLimit        = 1000
	DefaultRateWindow       = time.Minute
	DefaultMaxBodySize      = 1 << 20
	DefaultDedupWindow      = 10000
	DefaultGracePeriod      = 10 * time.Second
	DefaultDuckDBPath       = "/var/lib/insighthub/logs.duckdb"
	DefaultESIndex          = "insighthub-logs"
	DefaultQueryLimit       = 100
	DefaultQueryMaxLimit    = 1000
	DefaultShutdownTimeout  = 30 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, expanding ${VAR} references first
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values with the deployment environment variables
func (c *Config) applyEnv() error {
	if v := os.Getenv("KAFKA_BROKER"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("SERVICE_TOKEN"); v != "" {
		c.Gateway.Token = v
		if c.Query.Token == "" {
			c.Query.Token = v
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Gateway.Address = "0.0.0.0:" + v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.DuckDB.Path = v
	}
	if v := os.Getenv("ES_ADDRESSES"); v != "" {
		if c.Storage.Elasticsearch == nil {
			c.Storage.Elasticsearch = &ElasticsearchConfig{}
		}
		c.Storage.Elasticsearch.Addresses = splitList(v)
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_MAX: %w", err)
		}
		c.Gateway.RateLimit.Requests = n
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW: %w", err)
		}
		c.Gateway.RateLimit.Window = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{DefaultBroker}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultTopic
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = DefaultConsumerGroup
	}
	if c.Kafka.ProducerClientID == "" {
		c.Kafka.ProducerClientID = DefaultProducerClientID
	}
	if c.Kafka.ConsumerClientID == "" {
		c.Kafka.ConsumerClientID = DefaultConsumerClientID
	}
	if c.Kafka.RequiredAcks == 0 {
		c.Kafka.RequiredAcks = -1
	}
	if c.Kafka.InitialOffset == "" {
		c.Kafka.InitialOffset = "newest"
	}

	if c.Gateway.Address == "" {
		c.Gateway.Address = DefaultGatewayAddress
	}
	if c.Gateway.MaxBodySize == 0 {
		c.Gateway.MaxBodySize = DefaultMaxBodySize
	}
	if c.Gateway.ReadTimeout == 0 {
		c.Gateway.ReadTimeout = 30 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 30 * time.Second
	}
	if c.Gateway.RateLimit.Requests == 0 {
		c.Gateway.RateLimit.Requests = DefaultRateLimit
	}
	if c.Gateway.RateLimit.Window == 0 {
		c.Gateway.RateLimit.Window = DefaultRateWindow
	}
	c.Gateway.PublishRetry.applyDefaults(2, 50*time.Millisecond, time.Second)

	if c.Processor.DedupWindow == 0 {
		c.Processor.DedupWindow = DefaultDedupWindow
	}
	if c.Processor.GracePeriod == 0 {
		c.Processor.GracePeriod = DefaultGracePeriod
	}
	c.Processor.PersistRetry.applyDefaults(5, 100*time.Millisecond, 10*time.Second)

	if c.Storage.Type == "" {
		c.Storage.Type = "duckdb"
	}
	if c.Storage.DuckDB.Path == "" {
		c.Storage.DuckDB.Path = DefaultDuckDBPath
	}
	if c.Storage.Elasticsearch != nil && c.Storage.Elasticsearch.Index == "" {
		c.Storage.Elasticsearch.Index = DefaultESIndex
	}

	if c.Query.Address == "" {
		c.Query.Address = DefaultQueryAddress
	}
	if c.Query.Token == "" {
		c.Query.Token = c.Gateway.Token
	}
	if c.Query.DefaultLimit == 0 {
		c.Query.DefaultLimit = DefaultQueryLimit
	}
	if c.Query.MaxLimit == 0 {
		c.Query.MaxLimit = DefaultQueryMaxLimit
	}

	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}
}

func (r *RetryConfig) applyDefaults(retries int, initial, max time.Duration) {
	if r.MaxRetries == 0 {
		r.MaxRetries = retries
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = initial
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = max
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic must not be empty")
	}
	if c.Kafka.InitialOffset != "newest" && c.Kafka.InitialOffset != "oldest" {
		return fmt.Errorf("invalid kafka initial offset: %s", c.Kafka.InitialOffset)
	}

	if c.Gateway.RateLimit.Requests < 0 {
		return fmt.Errorf("rate limit requests must not be negative")
	}
	if c.Gateway.RateLimit.Window < 0 {
		return fmt.Errorf("rate limit window must not be negative")
	}
	if c.Gateway.PublishRetry.MaxRetries < 0 || c.Processor.PersistRetry.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}

	if c.Processor.DedupWindow < 0 {
		return fmt.Errorf("dedup window must not be negative")
	}

	switch c.Storage.Type {
	case "memory", "duckdb":
	case "elasticsearch":
		if c.Storage.Elasticsearch == nil ||
			(len(c.Storage.Elasticsearch.Addresses) == 0 && c.Storage.Elasticsearch.CloudID == "") {
			return fmt.Errorf("elasticsearch storage requires addresses or cloud_id")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	if c.DeadLetter != nil && c.DeadLetter.Enabled {
		if c.DeadLetter.Dir == "" {
			return fmt.Errorf("dead letter directory is required when enabled")
		}
		if s3 := c.DeadLetter.S3; s3 != nil && (s3.Bucket == "" || s3.Region == "") {
			return fmt.Errorf("dead letter S3 archive requires bucket and region")
		}
	}

	if c.Query.MaxLimit < c.Query.DefaultLimit {
		return fmt.Errorf("query max_limit must be at least default_limit")
	}

	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration with environment overrides applied
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}
