package river

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"river/internal/bulk"
	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/internal/store"
	"river/pkg/errors"
	"river/pkg/metrics"
	"river/pkg/retry"
)

// ExecutionResult summarises one applied batch.
type ExecutionResult struct {
	Operations int
	Succeeded  int
	Failures   []store.ItemResult
	Attempts   int
	Duration   time.Duration
}

func (r *ExecutionResult) Failed() int {
	return len(r.Failures)
}

// Executor submits each batch as a single bulk request. Item failures are
// reported and skipped; whole-request failures are retried and then escalated
// as fatal.
type Executor struct {
	river   string
	store   store.Store
	policy  retry.Policy
	timeout time.Duration
	limiter *rate.Limiter
	logger  logger.Logger

	// busy holds a token while a batch is in flight.
	busy chan struct{}
}

func NewExecutor(river string, s store.Store, cfg config.StoreConfig, log logger.Logger) *Executor {
	e := &Executor{
		river:   river,
		store:   s,
		policy:  policyFromConfig(cfg.Retry),
		timeout: cfg.Timeout,
		logger:  log,
		busy:    make(chan struct{}, 1),
	}
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	return e
}

// Execute applies batch. The returned error is either ctx's error, when the
// caller gave up, or a fatal error; the batch must not be acknowledged in
// both cases.
func (e *Executor) Execute(ctx context.Context, batch bulk.Batch) (*ExecutionResult, error) {
	result := &ExecutionResult{Operations: batch.Len()}
	if batch.Empty() {
		return result, nil
	}

	select {
	case e.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.busy }()

	start := time.Now()
	var resp *store.BulkResponse
	err := retry.RetryWithCallback(ctx, e.policy, func() error {
		result.Attempts++
		var err error
		resp, err = e.submit(ctx, batch)
		if err != nil && !store.IsUnavailable(err) {
			return retry.NewFatalError(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		metrics.IncRetryAttempt(e.river, "bulk")
		e.logger.WarnwCtx(ctx, "Bulk request failed, retrying",
			"operations", batch.Len(),
			"attempt", attempt,
			"next_retry_in", next,
			"error", err,
		)
	})
	result.Duration = time.Since(start)

	if err != nil {
		metrics.ObserveBatch(e.river, constants.StatusError, batch.Len(), result.Duration)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.ErrFatal.WithCause(err).WithDetail("message",
			fmt.Sprintf("bulk request for message %s failed after %d attempts", batch.MessageID, result.Attempts))
	}

	e.collect(ctx, batch, resp, result)
	metrics.ObserveBatch(e.river, constants.StatusOK, batch.Len(), result.Duration)
	return result, nil
}

func (e *Executor) submit(ctx context.Context, batch bulk.Batch) (*store.BulkResponse, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.store.Bulk(callCtx, batch)
}

func (e *Executor) collect(ctx context.Context, batch bulk.Batch, resp *store.BulkResponse, result *ExecutionResult) {
	result.Failures = resp.Failures()
	result.Succeeded = len(resp.Items) - len(result.Failures)

	for _, item := range resp.Items {
		if !item.Failed() {
			metrics.IncOperation(e.river, item.Action.String(), constants.StatusOK)
			continue
		}

		metrics.IncOperation(e.river, item.Action.String(), constants.StatusError)
		e.logger.WarnwCtx(ctx, "Bulk operation rejected",
			"error", errors.ErrPartialWrite.WithCause(item.Err),
			"action", item.Action,
			"index", item.Index,
			"type", item.Type,
			"id", item.ID,
			"status", item.Status,
		)
	}

	e.logger.DebugwCtx(ctx, "Bulk request applied",
		"operations", batch.Len(),
		"succeeded", result.Succeeded,
		"failed", len(result.Failures),
		"attempts", result.Attempts,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

// Drain waits until no batch is in flight.
func (e *Executor) Drain(ctx context.Context) error {
	select {
	case e.busy <- struct{}{}:
		<-e.busy
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
