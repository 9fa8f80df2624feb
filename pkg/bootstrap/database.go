package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"river/internal/broker"
	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/internal/store"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// InitStore connects the configured document store.
func (dc *DatabaseConnector) InitStore(ctx context.Context) (store.Store, error) {
	switch dc.Config.Store.Type {
	case constants.StoreTypeOpenSearch:
		s, err := store.NewOpenSearchStore(dc.Config.Store, dc.Logger)
		if err != nil {
			return nil, err
		}
		dc.Logger.Infow("OpenSearch store configured", "addresses", dc.Config.Store.OpenSearch.Addresses)
		return s, nil
	case constants.StoreTypeMongoDB:
		client, err := dc.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		return store.NewMongoStore(client, dc.Config.Store.MongoDB.Database, dc.Logger), nil
	case constants.StoreTypeMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", dc.Config.Store.Type)
	}
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	mongoOpts := options.Client().ApplyURI(dc.Config.Store.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Info("MongoDB connected successfully")
	return mongoClient, nil
}

// InitRedis opens a client to the redis broker for health checks. It
// returns nil when the broker is not redis.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if dc.Config.Broker.Type != constants.BrokerTypeRedis {
		return nil, nil
	}

	opts, err := broker.RedisOptions(dc.Config.Broker)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Info("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) ShutdownRedis(rdb *redis.Client) []error {
	if rdb == nil {
		return nil
	}
	if err := rdb.Close(); err != nil {
		return []error{fmt.Errorf("redis close error: %w", err)}
	}
	return nil
}
