package config

import (
	"strings"
	"time"
)

type Config struct {
	River          RiverConfig          `mapstructure:"river"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Store          StoreConfig          `mapstructure:"store"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Server         ServerConfig         `mapstructure:"server"`
	Management     ManagementConfig     `mapstructure:"management"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

// RiverConfig is copied into a river when it is constructed and never read
// again from the shared Config.
type RiverConfig struct {
	Name         string `mapstructure:"name"`
	QueueSize    int    `mapstructure:"queue_size"`
	DefaultIndex string `mapstructure:"default_index"`
	DefaultType  string `mapstructure:"default_type"`
	Filter       string `mapstructure:"filter"`
	DeadLetter   string `mapstructure:"dead_letter"`
}

type BrokerConfig struct {
	// Type is the naming/context factory: it picks the broker driver.
	Type              string      `mapstructure:"type"`
	URL               string      `mapstructure:"url"`
	ProviderURL       string      `mapstructure:"provider_url"`
	ConnectionFactory string      `mapstructure:"connection_factory"`
	SourceType        string      `mapstructure:"source_type"`
	SourceName        string      `mapstructure:"source_name"`
	ConnectRetry      RetryConfig `mapstructure:"connect_retry"`
	Reconnect         RetryConfig `mapstructure:"reconnect"`
}

// Endpoint returns the address used to reach the broker. A provider URL, when
// set, takes precedence over the plain endpoint URL.
func (b BrokerConfig) Endpoint() string {
	if b.ProviderURL != "" {
		return b.ProviderURL
	}
	return b.URL
}

// Addresses splits Endpoint on commas, dropping scheme prefixes understood by
// the TCP based drivers.
func (b BrokerConfig) Addresses() []string {
	raw := strings.Split(b.Endpoint(), ",")
	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		addr = strings.TrimSpace(addr)
		addr = strings.TrimPrefix(addr, "tcp://")
		addr = strings.TrimPrefix(addr, "kafka://")
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type StoreConfig struct {
	Type       string           `mapstructure:"type"`
	Refresh    bool             `mapstructure:"refresh"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  WriteLimitConfig `mapstructure:"rate_limit"`
}

type OpenSearchConfig struct {
	Addresses          []string `mapstructure:"addresses"`
	Username           string   `mapstructure:"username"`
	Password           string   `mapstructure:"password"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// WriteLimitConfig throttles bulk requests; zero RPS disables it.
type WriteLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
