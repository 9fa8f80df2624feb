package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"river/internal/broker"
	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/internal/river"
	"river/internal/store"
	"river/pkg/errors"
)

// legacyMessage indexes doc 1, deletes the missing doc 2 and tries to create
// doc 1 again. Only the first operation can succeed.
const legacyMessage = "{ \"index\" : { \"_index\" : \"test\", \"_type\" : \"type1\", \"_id\" : \"1\" }\n" +
	"{ \"type1\" : { \"field1\" : \"value1\" } }\n" +
	"{ \"delete\" : { \"_index\" : \"test\", \"_type\" : \"type1\", \"_id\" : \"2\" } }\n" +
	"{ \"create\" : { \"_index\" : \"test\", \"_type\" : \"type1\", \"_id\" : \"1\" }\n" +
	"{ \"type1\" : { \"field1\" : \"value1\" } }"

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func testRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
}

func createTestConfig(name string, b config.BrokerConfig, s config.StoreConfig) config.Config {
	b.ConnectRetry = testRetry(10)
	b.Reconnect = testRetry(0)
	if b.ConnectionFactory == "" {
		b.ConnectionFactory = "river-" + name
	}
	s.Retry = testRetry(5)
	s.Refresh = true
	s.Timeout = 10 * time.Second

	return config.Config{
		River: config.RiverConfig{
			Name:         name,
			QueueSize:    constants.DefaultQueueSize,
			DefaultIndex: "test",
			DefaultType:  "type1",
		},
		Broker: b,
		Store:  s,
	}
}

func startRiver(t *testing.T, cfg config.Config, s store.Store) *river.River {
	t.Helper()

	dialer, err := broker.NewDialer(cfg.Broker, createTestLogger())
	require.NoError(t, err)

	r, err := river.New(cfg, dialer, s, createTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		_ = r.Stop(stopCtx)
	})
	return r
}

func publish(t *testing.T, cfg config.BrokerConfig, payload string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dialer, err := broker.NewDialer(cfg, createTestLogger())
	require.NoError(t, err)

	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Publish(ctx, broker.SourceFromConfig(cfg), []byte(payload)))
}

func waitProcessed(t *testing.T, r *river.River, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := r.Status()
		return st.MessagesProcessed+st.ParseErrors >= n
	}, 60*time.Second, 100*time.Millisecond)
}

// assertLegacyOutcome checks the store after legacyMessage was applied once.
// Stores differ on whether deleting a missing document counts as rejected.
func assertLegacyOutcome(t *testing.T, r *river.River, s store.Store, applied, rejected int64) {
	t.Helper()
	ctx := context.Background()

	doc, err := s.Get(ctx, "test", "type1", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type1":{"field1":"value1"}}`, string(doc.Source))

	_, err = s.Get(ctx, "test", "type1", "2")
	assert.True(t, errors.IsNotFound(err))

	st := r.Status()
	assert.Equal(t, applied, st.OperationsApplied)
	assert.Equal(t, rejected, st.OperationsRejected)
	assert.Equal(t, river.Running, r.State())
}
