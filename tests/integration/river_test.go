package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"river/internal/config"
	"river/internal/constants"
	"river/internal/store"
)

func TestRiver_KafkaQueue_MemoryStore(t *testing.T) {
	skipShort(t)
	ctx := context.Background()

	brokerCfg := config.BrokerConfig{
		Type:       constants.BrokerTypeKafka,
		URL:        startKafka(t, ctx),
		SourceType: constants.SourceTypeQueue,
		SourceName: "elasticsearch",
	}
	cfg := createTestConfig("kafka-queue", brokerCfg, config.StoreConfig{Type: constants.StoreTypeMemory})

	// The queue group starts from the first offset, so publishing first also
	// creates the topic before the reader joins.
	publish(t, cfg.Broker, legacyMessage)

	s := store.NewMemoryStore()
	r := startRiver(t, cfg, s)
	waitProcessed(t, r, 1)

	assertLegacyOutcome(t, r, s, 1, 2)
}

func TestRiver_RedisTopic_MongoStore(t *testing.T) {
	skipShort(t)
	ctx := context.Background()

	brokerCfg := config.BrokerConfig{
		Type:       constants.BrokerTypeRedis,
		URL:        startRedis(t, ctx),
		SourceType: constants.SourceTypeTopic,
		SourceName: "elasticsearch",
	}
	uri, client := startMongo(t, ctx)
	storeCfg := config.StoreConfig{
		Type:    constants.StoreTypeMongoDB,
		MongoDB: config.MongoDBConfig{URI: uri, Database: "river_test"},
	}
	cfg := createTestConfig("redis-topic", brokerCfg, storeCfg)

	s := store.NewMongoStore(client, storeCfg.MongoDB.Database, createTestLogger())
	r := startRiver(t, cfg, s)

	// Topics only reach subscribers present at publish time.
	publish(t, cfg.Broker, legacyMessage)
	waitProcessed(t, r, 1)

	// MongoDB does not report deletes of missing documents.
	assertLegacyOutcome(t, r, s, 2, 1)
}

func TestRiver_RedisQueue_OpenSearchStore(t *testing.T) {
	skipShort(t)
	ctx := context.Background()

	brokerCfg := config.BrokerConfig{
		Type:       constants.BrokerTypeRedis,
		URL:        startRedis(t, ctx),
		SourceType: constants.SourceTypeQueue,
		SourceName: "elasticsearch",
	}
	storeCfg := config.StoreConfig{
		Type:       constants.StoreTypeOpenSearch,
		OpenSearch: config.OpenSearchConfig{Addresses: []string{startOpenSearch(t, ctx)}},
	}
	cfg := createTestConfig("redis-queue", brokerCfg, storeCfg)

	s, err := store.NewOpenSearchStore(cfg.Store, createTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	publish(t, cfg.Broker, legacyMessage)
	publish(t, cfg.Broker, "not a bulk body")

	r := startRiver(t, cfg, s)
	waitProcessed(t, r, 2)

	assertLegacyOutcome(t, r, s, 1, 2)
	require.Equal(t, int64(1), r.Status().ParseErrors)
}
