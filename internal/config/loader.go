package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"river/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	return unmarshal(v)
}

// LoadMap builds a Config from an already-decoded settings mapping, the way a
// river definition stored elsewhere would be handed over.
func LoadMap(settings map[string]interface{}) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("failed to merge settings: %w", err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(v, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("river.name", constants.DefaultRiverName)
	v.SetDefault("river.queue_size", constants.DefaultQueueSize)

	v.SetDefault("broker.type", constants.BrokerTypeKafka)
	v.SetDefault("broker.connection_factory", constants.DefaultConnectionFactory)
	v.SetDefault("broker.source_type", constants.DefaultSourceType)
	v.SetDefault("broker.source_name", constants.DefaultSourceName)
	v.SetDefault("broker.connect_retry.max_attempts", 5)
	v.SetDefault("broker.connect_retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("broker.connect_retry.max_interval", 10*time.Second)
	v.SetDefault("broker.connect_retry.multiplier", 2.0)
	v.SetDefault("broker.reconnect.initial_interval", time.Second)
	v.SetDefault("broker.reconnect.max_interval", time.Minute)
	v.SetDefault("broker.reconnect.multiplier", 2.0)

	v.SetDefault("store.type", constants.StoreTypeOpenSearch)
	v.SetDefault("store.timeout", constants.StoreTimeout)
	v.SetDefault("store.opensearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("store.mongodb.database", constants.DefaultMongoDBName)
	v.SetDefault("store.retry.max_attempts", 5)
	v.SetDefault("store.retry.initial_interval", time.Second)
	v.SetDefault("store.retry.max_interval", 30*time.Second)
	v.SetDefault("store.retry.multiplier", 2.0)

	v.SetDefault("server.port", constants.DefaultServerPort)
	v.SetDefault("server.read_timeout_seconds", 10*time.Second)
	v.SetDefault("server.write_timeout_seconds", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("river.name", "RIVER_NAME")
	v.BindEnv("river.default_index", "RIVER_DEFAULT_INDEX")
	v.BindEnv("river.default_type", "RIVER_DEFAULT_TYPE")

	v.BindEnv("broker.type", "BROKER_TYPE")
	v.BindEnv("broker.url", "BROKER_URL")
	v.BindEnv("broker.provider_url", "BROKER_PROVIDER_URL")
	v.BindEnv("broker.connection_factory", "BROKER_CONNECTION_FACTORY")
	v.BindEnv("broker.source_type", "BROKER_SOURCE_TYPE")
	v.BindEnv("broker.source_name", "BROKER_SOURCE_NAME")

	v.BindEnv("store.type", "STORE_TYPE")
	v.BindEnv("store.opensearch.username", "STORE_OPENSEARCH_USERNAME")
	v.BindEnv("store.opensearch.password", "STORE_OPENSEARCH_PASSWORD")
	v.BindEnv("store.mongodb.uri", "STORE_MONGODB_URI")
	v.BindEnv("store.mongodb.database", "STORE_MONGODB_DATABASE")

	v.BindEnv("server.port", "SERVER_PORT")

	v.BindEnv("logging.level", "LOGGING_LEVEL")
	v.BindEnv("logging.format", "LOGGING_FORMAT")

	v.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	v.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(v *viper.Viper, cfg *Config) error {
	if addrs := v.GetString("STORE_OPENSEARCH_ADDRESSES"); addrs != "" {
		parts := strings.Split(addrs, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			cfg.Store.OpenSearch.Addresses = out
		}
	}

	if otlpEndpoint := v.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
