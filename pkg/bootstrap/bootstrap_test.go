package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"river/internal/broker"
	"river/internal/config"
	"river/internal/logger"
	"river/internal/store"
)

func TestInitMemoryStack(t *testing.T) {
	cfg := &config.Config{
		Broker: config.BrokerConfig{Type: "memory"},
		Store:  config.StoreConfig{Type: "memory"},
	}
	base := NewBase(cfg, logger.NopLogger())
	dc := NewDatabaseConnector(cfg, logger.NopLogger())

	require.NoError(t, base.InitBroker())
	assert.IsType(t, &broker.MemoryBroker{}, base.Dialer)

	require.NoError(t, base.InitStore(context.Background(), dc))
	assert.IsType(t, &store.MemoryStore{}, base.Store, "breaker disabled leaves the store unwrapped")

	rdb, err := dc.InitRedis(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, rdb)

	assert.NoError(t, base.Shutdown(context.Background(), nil))
}

func TestInitStoreWrapsWithCircuitBreaker(t *testing.T) {
	cfg := &config.Config{
		Store:          config.StoreConfig{Type: "memory"},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true},
	}
	base := NewBase(cfg, logger.NopLogger())
	require.NoError(t, base.InitStore(context.Background(), NewDatabaseConnector(cfg, logger.NopLogger())))
	assert.IsType(t, &store.CircuitBreakerStore{}, base.Store)
}

func TestInitOpenSearchStoreDoesNotDial(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{
		Type:       "opensearch",
		OpenSearch: config.OpenSearchConfig{Addresses: []string{"http://127.0.0.1:1"}},
	}}
	s, err := NewDatabaseConnector(cfg, logger.NopLogger()).InitStore(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &store.OpenSearchStore{}, s)
}

func TestInitUnknownStore(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Type: "cassandra"}}
	_, err := NewDatabaseConnector(cfg, logger.NopLogger()).InitStore(context.Background())
	assert.Error(t, err)
}
