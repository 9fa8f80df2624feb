package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"river/internal/bulk"
	"river/internal/config"
)

func TestCircuitBreakerStoreDisabledReturnsInner(t *testing.T) {
	inner := NewMemoryStore()
	s := NewCircuitBreakerStore(inner, "test", config.CircuitBreakerConfig{})
	assert.Same(t, inner, s)
}

func TestCircuitBreakerStoreOpensOnUnavailable(t *testing.T) {
	inner := NewMemoryStore()
	s := NewCircuitBreakerStore(inner, "store-open-test", config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})
	batch := bulk.Batch{Operations: []bulk.Operation{op(bulk.ActionIndex, "1", `{}`)}}

	inner.FailNext(unavailable(fmt.Errorf("down")), unavailable(fmt.Errorf("down")))
	for i := 0; i < 2; i++ {
		_, err := s.Bulk(context.Background(), batch)
		require.Error(t, err)
	}

	cb := s.(*CircuitBreakerStore)
	assert.Equal(t, "open", cb.State())

	_, err := s.Bulk(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 2, inner.BulkCalls())
}

func TestCircuitBreakerStoreIgnoresRejectedRequests(t *testing.T) {
	inner := NewMemoryStore()
	s := NewCircuitBreakerStore(inner, "store-rejected-test", config.CircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		MinRequests:  1,
	})
	batch := bulk.Batch{Operations: []bulk.Operation{op(bulk.ActionIndex, "1", `{}`)}}

	inner.FailNext(rejected(fmt.Errorf("mapping")), rejected(fmt.Errorf("mapping")))
	for i := 0; i < 2; i++ {
		_, err := s.Bulk(context.Background(), batch)
		require.Error(t, err)
		assert.False(t, IsUnavailable(err))
	}

	assert.Equal(t, "closed", s.(*CircuitBreakerStore).State())
	_, err := s.Bulk(context.Background(), batch)
	assert.NoError(t, err)
}
