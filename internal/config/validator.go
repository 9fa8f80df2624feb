package config

import (
	"fmt"
	"strings"

	"river/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateRiver(cfg.River); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateStore(cfg.Store); err != nil {
		errors = append(errors, err)
	}

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateTracing(cfg.Tracing); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateRiver(cfg RiverConfig) error {
	if cfg.Name == "" {
		return &ValidationError{
			Field:   "river.name",
			Message: "river name is required",
		}
	}

	if cfg.QueueSize < 1 {
		return &ValidationError{
			Field:   "river.queue_size",
			Message: fmt.Sprintf("queue size must be at least 1, got %d", cfg.QueueSize),
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case constants.BrokerTypeKafka, constants.BrokerTypeRedis:
		if len(cfg.Addresses()) == 0 {
			return &ValidationError{
				Field:   "broker.url",
				Message: "broker endpoint (url or provider_url) is required",
			}
		}
	case constants.BrokerTypeMemory:
	case "":
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, redis, memory)", cfg.Type),
		}
	}

	switch strings.ToLower(cfg.SourceType) {
	case constants.SourceTypeTopic, constants.SourceTypeQueue:
	default:
		return &ValidationError{
			Field:   "broker.source_type",
			Message: fmt.Sprintf("invalid source type: %s (valid: topic, queue)", cfg.SourceType),
		}
	}

	if cfg.SourceName == "" {
		return &ValidationError{
			Field:   "broker.source_name",
			Message: "source name is required",
		}
	}

	if cfg.ConnectionFactory == "" {
		return &ValidationError{
			Field:   "broker.connection_factory",
			Message: "connection factory name is required",
		}
	}

	if err := validateRetry("broker.connect_retry", cfg.ConnectRetry); err != nil {
		return err
	}
	return validateRetry("broker.reconnect", cfg.Reconnect)
}

func validateStore(cfg StoreConfig) error {
	switch cfg.Type {
	case constants.StoreTypeOpenSearch:
		if len(cfg.OpenSearch.Addresses) == 0 {
			return &ValidationError{
				Field:   "store.opensearch.addresses",
				Message: "at least one OpenSearch address is required",
			}
		}
	case constants.StoreTypeMongoDB:
		if cfg.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "store.mongodb.uri",
				Message: "MongoDB URI is required",
			}
		}
		if !strings.HasPrefix(cfg.MongoDB.URI, "mongodb://") && !strings.HasPrefix(cfg.MongoDB.URI, "mongodb+srv://") {
			return &ValidationError{
				Field:   "store.mongodb.uri",
				Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
			}
		}
	case constants.StoreTypeMemory:
	default:
		return &ValidationError{
			Field:   "store.type",
			Message: fmt.Sprintf("unknown store type: %s (supported: opensearch, mongodb, memory)", cfg.Type),
		}
	}

	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return &ValidationError{
			Field:   "store.rate_limit",
			Message: "rps and burst must be non-negative",
		}
	}

	return validateRetry("store.retry", cfg.Retry)
}

func validateRetry(field string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   field + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   field + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   field + ".multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 0 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateTracing(cfg TracingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.OTLP.Endpoint == "" {
		return &ValidationError{
			Field:   "tracing.otlp.endpoint",
			Message: "OTLP endpoint is required when tracing is enabled",
		}
	}

	switch cfg.Sampler.Type {
	case "", "always_on", "always_off", "parentbased_always_on":
	case "traceidratio", "parentbased_traceidratio":
		if cfg.Sampler.Param < 0 || cfg.Sampler.Param > 1 {
			return &ValidationError{
				Field:   "tracing.sampler.param",
				Message: fmt.Sprintf("sampling ratio must be within [0, 1], got %g", cfg.Sampler.Param),
			}
		}
	default:
		return &ValidationError{
			Field:   "tracing.sampler.type",
			Message: fmt.Sprintf("unknown sampler type %q", cfg.Sampler.Type),
		}
	}

	return nil
}
