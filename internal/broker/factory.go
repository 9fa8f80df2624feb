package broker

import (
	"fmt"
	"strings"

	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
)

// NewDialer picks the driver named by cfg.Type. The memory driver gets a
// private broker; tests that need to publish into it construct one directly.
func NewDialer(cfg config.BrokerConfig, log logger.Logger) (Dialer, error) {
	switch cfg.Type {
	case constants.BrokerTypeKafka:
		return NewKafkaDialer(cfg, log), nil
	case constants.BrokerTypeRedis:
		return NewRedisDialer(cfg, log)
	case constants.BrokerTypeMemory:
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

// SourceFromConfig returns the configured subscription source.
func SourceFromConfig(cfg config.BrokerConfig) Source {
	return Source{Name: cfg.SourceName, Type: SourceType(strings.ToLower(cfg.SourceType))}
}
