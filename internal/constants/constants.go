package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaDialTimeout  = 5 * time.Second
	KafkaMaxWait      = 500 * time.Millisecond
)

const (
	BrokerTypeKafka  = "kafka"
	BrokerTypeRedis  = "redis"
	BrokerTypeMemory = "memory"
)

const (
	StoreTypeOpenSearch = "opensearch"
	StoreTypeMongoDB    = "mongodb"
	StoreTypeMemory     = "memory"
)

const (
	SourceTypeTopic = "topic"
	SourceTypeQueue = "queue"
)

// Defaults applied by the config loader when a key is absent.
const (
	DefaultRiverName         = "river"
	DefaultSourceName        = "elasticsearch"
	DefaultSourceType        = SourceTypeTopic
	DefaultConnectionFactory = "river"
	DefaultQueueSize         = 16
	DefaultMongoDBName       = "river"
	DefaultServerPort        = 8080
)

const (
	ShutdownTimeout = 5 * time.Second
	StoreTimeout    = 30 * time.Second
	HealthTimeout   = 5 * time.Second

	TracingExporterTimeout = 5 * time.Second
)

const (
	RedisStreamPayloadField = "payload"
	RedisReadBlock          = time.Second
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)
