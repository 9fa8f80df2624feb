package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"river/internal/broker"
	"river/internal/config"
	"river/internal/logger"
	"river/internal/river"
	"river/internal/store"
)

type stubChecker struct {
	name string
	err  error
}

func (c stubChecker) Name() string { return c.name }
func (c stubChecker) Check(ctx context.Context) error { return c.err }

func TestCheckerRegistryAggregates(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     Status
	}{
		{name: "empty", want: StatusHealthy},
		{name: "all healthy", checkers: []Checker{stubChecker{name: "a"}, stubChecker{name: "b"}}, want: StatusHealthy},
		{name: "degraded", checkers: []Checker{stubChecker{name: "a"}, stubChecker{name: "b", err: Degraded(fmt.Errorf("slow"))}}, want: StatusDegraded},
		{name: "unhealthy wins", checkers: []Checker{stubChecker{name: "a", err: fmt.Errorf("down")}, stubChecker{name: "b", err: Degraded(fmt.Errorf("slow"))}}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewCheckerRegistry()
			for _, c := range tt.checkers {
				reg.Register(c)
			}
			h := reg.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Checks, len(tt.checkers))
		})
	}
}

func TestStoreChecker(t *testing.T) {
	c := NewStoreChecker("memory", store.NewMemoryStore())
	assert.Equal(t, "memory", c.Name())
	assert.NoError(t, c.Check(context.Background()))
}

func TestRiverChecker(t *testing.T) {
	cfg := config.Config{
		River: config.RiverConfig{Name: "health", QueueSize: 1, DefaultIndex: "test", DefaultType: "type1"},
		Broker: config.BrokerConfig{
			Type:       "memory",
			SourceType: "topic",
			SourceName: "elasticsearch",
			ConnectRetry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: time.Millisecond,
			},
		},
	}
	b := broker.NewMemoryBroker()
	r, err := river.New(cfg, b, store.NewMemoryStore(), logger.NopLogger())
	require.NoError(t, err)

	c := NewRiverChecker(r)
	assert.ErrorContains(t, c.Check(context.Background()), "is stopped")

	require.NoError(t, r.Start(context.Background()))
	assert.NoError(t, c.Check(context.Background()))

	require.NoError(t, r.Stop(context.Background()))
	assert.Error(t, c.Check(context.Background()))
}
