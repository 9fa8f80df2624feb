package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"river/internal/constants"
)

const sampleConfig = `
river:
  name: orders
  queue_size: 4
  default_index: test
  default_type: type1
broker:
  type: kafka
  url: tcp://localhost:9092
  connection_factory: ElasticSearchConnFactory
  source_type: queue
  source_name: orders
  reconnect:
    initial_interval: 250ms
    max_interval: 5s
store:
  type: mongodb
  mongodb:
    uri: mongodb://localhost:27017
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "river.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.River.Name)
	assert.Equal(t, 4, cfg.River.QueueSize)
	assert.Equal(t, "test", cfg.River.DefaultIndex)
	assert.Equal(t, "queue", cfg.Broker.SourceType)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Addresses())
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.Reconnect.InitialInterval)
	assert.Equal(t, 5*time.Second, cfg.Broker.Reconnect.MaxInterval)
	assert.Equal(t, constants.DefaultMongoDBName, cfg.Store.MongoDB.Database)
	assert.Equal(t, 5, cfg.Store.Retry.MaxAttempts)
}

func TestLoadMapAppliesDefaultSourceName(t *testing.T) {
	cfg, err := LoadMap(map[string]interface{}{
		"broker": map[string]interface{}{
			"type":         "kafka",
			"provider_url": "tcp://localhost:61616",
		},
		"store": map[string]interface{}{
			"type": "memory",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultSourceName, cfg.Broker.SourceName)
	assert.Equal(t, constants.SourceTypeTopic, cfg.Broker.SourceType)
	assert.Equal(t, "tcp://localhost:61616", cfg.Broker.Endpoint())
	assert.Equal(t, []string{"localhost:61616"}, cfg.Broker.Addresses())
}

func TestProviderURLOverridesURL(t *testing.T) {
	b := BrokerConfig{URL: "a:1", ProviderURL: "b:2,c:3"}
	assert.Equal(t, []string{"b:2", "c:3"}, b.Addresses())
}

func TestValidateStatic(t *testing.T) {
	valid := func() *Config {
		return &Config{
			River: RiverConfig{Name: "r", QueueSize: 1},
			Broker: BrokerConfig{
				Type:              constants.BrokerTypeMemory,
				SourceType:        constants.SourceTypeTopic,
				SourceName:        "s",
				ConnectionFactory: "f",
			},
			Store: StoreConfig{Type: constants.StoreTypeMemory},
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Type = "jms" }, wantError: true},
		{name: "kafka without endpoint", mutate: func(c *Config) { c.Broker.Type = constants.BrokerTypeKafka }, wantError: true},
		{name: "bad source type", mutate: func(c *Config) { c.Broker.SourceType = "fanout" }, wantError: true},
		{name: "empty source name", mutate: func(c *Config) { c.Broker.SourceName = "" }, wantError: true},
		{name: "zero queue", mutate: func(c *Config) { c.River.QueueSize = 0 }, wantError: true},
		{name: "bad mongo uri", mutate: func(c *Config) {
			c.Store.Type = constants.StoreTypeMongoDB
			c.Store.MongoDB.URI = "http://nope"
		}, wantError: true},
		{name: "inverted reconnect interval", mutate: func(c *Config) {
			c.Broker.Reconnect.InitialInterval = time.Minute
			c.Broker.Reconnect.MaxInterval = time.Second
		}, wantError: true},
		{name: "tracing without endpoint", mutate: func(c *Config) { c.Tracing.Enabled = true }, wantError: true},
		{name: "unknown sampler", mutate: func(c *Config) {
			c.Tracing = TracingConfig{Enabled: true, OTLP: OTLPConfig{Endpoint: "otel:4317"}, Sampler: SamplerConfig{Type: "sometimes"}}
		}, wantError: true},
		{name: "ratio sampler", mutate: func(c *Config) {
			c.Tracing = TracingConfig{Enabled: true, OTLP: OTLPConfig{Endpoint: "otel:4317"}, Sampler: SamplerConfig{Type: "traceidratio", Param: 0.25}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
