package bootstrap

import (
	"context"
	"fmt"

	"river/internal/broker"
	"river/internal/config"
	"river/internal/logger"
	"river/internal/store"
)

// Base holds what every river process needs: configuration, logger, broker
// dialer and document store.
type Base struct {
	Config *config.Config
	Logger logger.Logger
	Dialer broker.Dialer
	Store  store.Store
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitBroker() error {
	dialer, err := broker.NewDialer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker dialer: %w", err)
	}

	b.Dialer = dialer
	return nil
}

func (b *Base) InitStore(ctx context.Context, dc *DatabaseConnector) error {
	s, err := dc.InitStore(ctx)
	if err != nil {
		return err
	}

	b.Store = store.NewCircuitBreakerStore(s, b.Config.Store.Type, b.Config.CircuitBreaker)
	return nil
}

func (b *Base) ShutdownStore(ctx context.Context) []error {
	if b.Store == nil {
		return nil
	}
	if err := b.Store.Close(ctx); err != nil {
		return []error{fmt.Errorf("store close error: %w", err)}
	}
	return nil
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownStore(ctx)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
