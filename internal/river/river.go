// Package river runs the consumption pipeline: a delivery goroutine receives
// broker messages into a bounded queue and a processing goroutine parses each
// one, applies it to the store and acknowledges it.
package river

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"river/internal/broker"
	"river/internal/bulk"
	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/internal/store"
	"river/pkg/cel"
	"river/pkg/errors"
	"river/pkg/logging"
	"river/pkg/metrics"
	"river/pkg/tracing"
)

type River struct {
	name       string
	cfg        config.Config
	parser     *bulk.Parser
	filter     *cel.Filter
	executor   *Executor
	conn       *ConnectionManager
	deadLetter *broker.Source
	logger     logger.Logger

	sm stateMachine

	mu               sync.Mutex
	queue            chan *Delivery
	cancelDelivery   context.CancelFunc
	cancelProcessing context.CancelFunc
	stopProcessing   chan struct{}
	deliveryDone     chan struct{}
	processingDone   chan struct{}
	done             chan struct{}
	finishOnce       *sync.Once
	err              error
	startedAt        time.Time

	stats stats
}

type stats struct {
	received   atomic.Int64
	processed  atomic.Int64
	parseFails atomic.Int64
	applied    atomic.Int64
	rejected   atomic.Int64
	filtered   atomic.Int64
	ackFails   atomic.Int64
}

// New builds a river from a copy of cfg. Later changes to cfg are not seen.
func New(cfg config.Config, dialer broker.Dialer, s store.Store, log logger.Logger) (*River, error) {
	if dialer == nil || s == nil {
		return nil, errors.ErrValidation.WithDetail("message", "river requires a broker dialer and a store")
	}
	name := cfg.River.Name
	if name == "" {
		name = constants.DefaultRiverName
	}
	queueSize := cfg.River.QueueSize
	if queueSize < 1 {
		queueSize = constants.DefaultQueueSize
	}
	cfg.River.QueueSize = queueSize
	cfg.Store.OpenSearch.Addresses = append([]string(nil), cfg.Store.OpenSearch.Addresses...)

	r := &River{
		name: name,
		cfg:  cfg,
		parser: bulk.NewParser(bulk.Defaults{
			Index: cfg.River.DefaultIndex,
			Type:  cfg.River.DefaultType,
		}),
		executor: NewExecutor(name, s, cfg.Store, log),
		conn:     NewConnectionManager(name, dialer, cfg.Broker, log),
		logger:   log,
		done:     make(chan struct{}),
	}
	r.sm.onEnter = func(st State) { metrics.SetRiverState(name, int(st)) }

	if cfg.River.Filter != "" {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
		}
		filter, err := evaluator.CompileFilter(cfg.River.Filter)
		if err != nil {
			return nil, errors.ErrValidation.WithCause(err).WithDetail("field", "river.filter")
		}
		r.filter = filter
	}

	if cfg.River.DeadLetter != "" {
		r.deadLetter = &broker.Source{Name: cfg.River.DeadLetter, Type: r.conn.Source().Type}
	}

	return r, nil
}

func (r *River) Name() string {
	return r.name
}

func (r *River) State() State {
	return r.sm.get()
}

// Start connects and launches the delivery and processing goroutines. ctx
// bounds the connect phase only; the running river outlives it.
func (r *River) Start(ctx context.Context) error {
	if err := r.sm.transition(Stopped, Starting); err != nil {
		return err
	}

	r.mu.Lock()
	select {
	case <-r.done:
		r.done = make(chan struct{})
	default:
	}
	r.err = nil
	r.finishOnce = &sync.Once{}
	r.mu.Unlock()

	ctx = logging.WithRiverName(ctx, r.name)
	r.logger.InfowCtx(ctx, "Starting river",
		"source", r.conn.Source().String(),
		"queue_size", r.cfg.River.QueueSize,
	)

	if err := r.conn.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			r.conn.Close()
			_ = r.sm.transition(Starting, Stopped)
			return ctx.Err()
		}
		r.logger.ErrorwCtx(ctx, "River failed to connect", "error", err)
		r.conn.Close()
		r.sm.fail()
		r.finish(err)
		return err
	}

	runCtx := logging.WithRiverName(context.WithoutCancel(ctx), r.name)
	deliveryCtx, cancelDelivery := context.WithCancel(runCtx)
	processingCtx, cancelProcessing := context.WithCancel(runCtx)

	r.mu.Lock()
	r.queue = make(chan *Delivery, r.cfg.River.QueueSize)
	r.cancelDelivery = cancelDelivery
	r.cancelProcessing = cancelProcessing
	r.stopProcessing = make(chan struct{})
	r.deliveryDone = make(chan struct{})
	r.processingDone = make(chan struct{})
	r.startedAt = time.Now()
	queue, stop, deliveryDone, processingDone := r.queue, r.stopProcessing, r.deliveryDone, r.processingDone
	r.mu.Unlock()

	if err := r.sm.transition(Starting, Running); err != nil {
		cancelDelivery()
		cancelProcessing()
		r.conn.Close()
		return err
	}

	go r.deliver(deliveryCtx, queue, deliveryDone)
	go r.process(processingCtx, queue, stop, processingDone)

	r.logger.InfowCtx(ctx, "River running")
	return nil
}

func (r *River) deliver(ctx context.Context, queue chan<- *Delivery, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			go r.fail(errors.RecoverPanic(rec))
		}
	}()
	r.conn.Run(ctx, queue)
}

func (r *River) process(ctx context.Context, queue <-chan *Delivery, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case d := <-queue:
			metrics.SetMessageQueueSize(r.name, len(queue))
			metrics.ObserveMessageQueueWaitDuration(r.name, time.Since(d.enqueuedAt))

			if err := r.handle(ctx, d); err != nil {
				if ctx.Err() != nil {
					return
				}
				go r.fail(err)
				return
			}
		}
	}
}

// handle runs one message through parse, filter, execute and ack. It returns
// an error only when the message could not be applied and must not be
// acknowledged.
func (r *River) handle(ctx context.Context, d *Delivery) (err error) {
	msg := d.Message
	r.stats.received.Add(1)

	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx, span := tracing.StartMessageSpan(ctx, "river.handle", msg.Headers)
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logging.WithTraceID(ctx, sc.TraceID().String())
	}
	span.SetAttributes(
		attribute.String("river.name", r.name),
		attribute.String("messaging.source", msg.Source.String()),
		attribute.String("messaging.message.id", msg.ID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.RecoverPanic(rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	batch, err := r.parser.Parse(msg.Payload)
	if err != nil {
		r.rejectMessage(ctx, d, err)
		return nil
	}
	batch.MessageID = msg.ID

	if r.filter != nil {
		batch = r.applyFilter(ctx, batch)
	}
	span.SetAttributes(attribute.Int("bulk.operations", batch.Len()))

	result, err := r.executor.Execute(ctx, batch)
	if err != nil {
		metrics.IncMessages(r.name, constants.StatusError)
		return err
	}

	r.stats.processed.Add(1)
	r.stats.applied.Add(int64(result.Succeeded))
	r.stats.rejected.Add(int64(result.Failed()))
	metrics.IncMessages(r.name, constants.StatusOK)

	r.ack(ctx, d)
	return nil
}

// rejectMessage handles a payload that cannot be parsed: it is logged,
// optionally forwarded to the dead-letter source and acknowledged so the next
// message is not held up.
func (r *River) rejectMessage(ctx context.Context, d *Delivery, err error) {
	r.stats.parseFails.Add(1)
	metrics.IncParseError(r.name)
	metrics.IncMessages(r.name, constants.StatusSkipped)

	fields := []interface{}{"error", err, "payload_bytes", len(d.Message.Payload)}
	var perr *bulk.ParseError
	if stderrors.As(err, &perr) {
		fields = append(fields, "line", perr.Line)
	}
	r.logger.ErrorwCtx(ctx, "Dropping malformed bulk message", fields...)

	if r.deadLetter != nil {
		if pubErr := r.conn.Publish(ctx, *r.deadLetter, d.Message.Payload); pubErr != nil {
			r.logger.WarnwCtx(ctx, "Failed to publish to dead-letter source",
				"dead_letter", r.deadLetter.String(),
				"error", pubErr,
			)
		} else {
			metrics.IncDeadLetter(r.name, r.deadLetter.Name, "parse_error")
		}
	}

	r.ack(ctx, d)
}

func (r *River) applyFilter(ctx context.Context, batch bulk.Batch) bulk.Batch {
	kept := batch.Filter(func(op bulk.Operation) bool {
		ok, err := r.filter.Match(ctx, op)
		if err != nil {
			r.logger.WarnwCtx(ctx, "Filter evaluation failed, keeping operation",
				"operation", op.String(),
				"error", err,
			)
			return true
		}
		return ok
	})

	if dropped := batch.Len() - kept.Len(); dropped > 0 {
		r.stats.filtered.Add(int64(dropped))
		metrics.AddFilteredOperations(r.name, dropped)
		r.logger.DebugwCtx(ctx, "Operations filtered out", "dropped", dropped, "kept", kept.Len())
	}
	return kept
}

func (r *River) ack(ctx context.Context, d *Delivery) {
	if err := d.Ack(ctx); err != nil {
		r.stats.ackFails.Add(1)
		r.logger.WarnwCtx(ctx, "Failed to acknowledge message", "error", err)
	}
}

// fail records a fatal error, tears the session down and moves the river to
// Failed. Called from its own goroutine so it can wait for the workers.
func (r *River) fail(err error) {
	if !r.sm.fail() {
		return
	}
	r.logger.Errorw("River failed", "river", r.name, "error", err)

	r.mu.Lock()
	cancelDelivery, cancelProcessing := r.cancelDelivery, r.cancelProcessing
	deliveryDone, processingDone := r.deliveryDone, r.processingDone
	r.mu.Unlock()

	cancelDelivery()
	cancelProcessing()
	<-deliveryDone
	<-processingDone
	r.conn.Close()
	r.finish(err)
}

func (r *River) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishOnce.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Stop stops delivery, lets the in-flight batch complete and closes the
// broker session. It is a no-op on a stopped or failed river. If ctx expires
// before the batch completes the batch is abandoned unacknowledged.
func (r *River) Stop(ctx context.Context) error {
	switch r.sm.get() {
	case Stopped, Failed:
		return nil
	}
	if err := r.sm.transition(Running, Stopping); err != nil {
		return err
	}
	r.logger.Infow("Stopping river", "river", r.name)

	r.mu.Lock()
	cancelDelivery, cancelProcessing := r.cancelDelivery, r.cancelProcessing
	stop, deliveryDone, processingDone := r.stopProcessing, r.deliveryDone, r.processingDone
	r.mu.Unlock()

	cancelDelivery()
	<-deliveryDone

	close(stop)
	var drainErr error
	select {
	case <-processingDone:
	case <-ctx.Done():
		drainErr = ctx.Err()
		r.logger.Warnw("In-flight batch abandoned on stop", "river", r.name, "error", drainErr)
		cancelProcessing()
		<-processingDone
	}
	cancelProcessing()

	r.conn.Close()

	if err := r.sm.transition(Stopping, Stopped); err != nil {
		// A fatal error won the race.
		<-r.Done()
		return r.Err()
	}
	r.finish(nil)
	r.logger.Infow("River stopped", "river", r.name)
	return drainErr
}

// Err returns the error that failed the river, if any.
func (r *River) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the current run ends, by Stop or by failure.
func (r *River) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

type Status struct {
	Name               string     `json:"name"`
	State              string     `json:"state"`
	Session            string     `json:"session"`
	Source             string     `json:"source"`
	QueueSize          int        `json:"queue_size"`
	QueueLength        int        `json:"queue_length"`
	Reconnects         int64      `json:"reconnects"`
	MessagesReceived   int64      `json:"messages_received"`
	MessagesProcessed  int64      `json:"messages_processed"`
	ParseErrors        int64      `json:"parse_errors"`
	OperationsApplied  int64      `json:"operations_applied"`
	OperationsRejected int64      `json:"operations_rejected"`
	OperationsFiltered int64      `json:"operations_filtered"`
	AckFailures        int64      `json:"ack_failures"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

func (r *River) Status() Status {
	r.mu.Lock()
	queueLen := 0
	if r.queue != nil {
		queueLen = len(r.queue)
	}
	var startedAt *time.Time
	if !r.startedAt.IsZero() {
		t := r.startedAt
		startedAt = &t
	}
	lastErr := ""
	if r.err != nil {
		lastErr = r.err.Error()
	}
	r.mu.Unlock()

	return Status{
		Name:               r.name,
		State:              r.sm.get().String(),
		Session:            r.conn.State().String(),
		Source:             r.conn.Source().String(),
		QueueSize:          r.cfg.River.QueueSize,
		QueueLength:        queueLen,
		Reconnects:         r.conn.Reconnects(),
		MessagesReceived:   r.stats.received.Load(),
		MessagesProcessed:  r.stats.processed.Load(),
		ParseErrors:        r.stats.parseFails.Load(),
		OperationsApplied:  r.stats.applied.Load(),
		OperationsRejected: r.stats.rejected.Load(),
		OperationsFiltered: r.stats.filtered.Load(),
		AckFailures:        r.stats.ackFails.Load(),
		StartedAt:          startedAt,
		LastError:          lastErr,
	}
}
