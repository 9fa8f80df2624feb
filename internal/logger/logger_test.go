package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"river/pkg/logging"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).(*SugaredLogger)
	log.SetRiverName("orders")

	ctx := logging.WithMessageID(context.Background(), "msg-7")
	log.InfowCtx(ctx, "Applied bulk batch", "operations", 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "msg-7", fields["message_id"])
	assert.Equal(t, "orders", fields["river_name"])
	assert.EqualValues(t, 3, fields["operations"])
}

func TestContextRiverNameWins(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).(*SugaredLogger)
	log.SetRiverName("default")

	ctx := logging.WithRiverName(context.Background(), "explicit")
	log.WarnwCtx(ctx, "Reconnecting")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "explicit", logs.All()[0].ContextMap()["river_name"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}
