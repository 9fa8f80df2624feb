package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"river/internal/admin"
	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/internal/river"
	"river/pkg/bootstrap"
	"river/pkg/health"
	"river/pkg/metrics"
	"river/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	river          *river.River
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, a.Config.River.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.InitBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, constants.StoreTimeout)
	defer cancel()
	if err := a.InitStore(storeCtx, a.dbConnector); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis health check disabled", "error", err)
	}
	a.redis = rdb

	r, err := river.New(*a.Config, a.Dialer, a.Store, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create river: %w", err)
	}
	a.river = r

	a.initHTTPServer(ctx)
	return nil
}

func (a *App) initHTTPServer(ctx context.Context) {
	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewStoreChecker(a.Config.Store.Type, a.Store))
	healthRegistry.Register(health.NewRiverChecker(a.river))
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}

	handler := admin.NewHandler(a.river, healthRegistry, a.Logger)
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      admin.NewRouter(ctx, a.Config, handler, a.Logger),
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
}

// Run starts the river and the admin server. It returns when ctx is
// cancelled, after a graceful stop, or with the river's error when it fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.river.Start(ctx); err != nil {
		shutdownErr := a.Shutdown(ctx)
		if shutdownErr != nil {
			a.Logger.ErrorwCtx(ctx, "Shutdown after failed start", "error", shutdownErr)
		}
		return fmt.Errorf("failed to start river: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-a.river.Done():
			if err := a.river.Err(); err != nil {
				return fmt.Errorf("river %s failed: %w", a.river.Name(), err)
			}
			// Stopped through the admin API; keep serving until interrupted.
			<-gCtx.Done()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down river service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
		defer cancel()

		if a.river != nil {
			if err := a.river.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("river stop error: %w", err))
			}
		}

		if a.server != nil {
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownRedis(a.redis)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
