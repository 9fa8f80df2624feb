package store

import (
	"context"
	"fmt"

	"river/internal/bulk"
	"river/internal/config"
	"river/pkg/circuitbreaker"
)

// CircuitBreakerStore fails bulk writes fast while the store keeps failing.
// Rejected requests (bad input) do not count as failures. Gets and pings
// bypass the breaker so health checks observe the store directly.
type CircuitBreakerStore struct {
	Store
	cb *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(s Store, name string, cfg config.CircuitBreakerConfig) Store {
	if !cfg.Enabled {
		return s
	}

	cbConfig := circuitbreaker.FromSettings(name, cfg)
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil || !IsUnavailable(err)
	}

	return &CircuitBreakerStore{
		Store: s,
		cb:    circuitbreaker.NewWrapper(cbConfig),
	}
}

func (s *CircuitBreakerStore) Bulk(ctx context.Context, batch bulk.Batch) (*BulkResponse, error) {
	resp, err := circuitbreaker.Do(ctx, s.cb, func() (*BulkResponse, error) {
		return s.Store.Bulk(ctx, batch)
	})
	if err != nil && circuitbreaker.IsRejection(err) {
		return nil, unavailable(fmt.Errorf("circuit breaker is open for %s: %w", s.cb.Name(), err))
	}
	return resp, err
}

func (s *CircuitBreakerStore) State() string {
	return s.cb.State().String()
}
