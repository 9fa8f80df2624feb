package river

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"river/internal/broker"
	"river/internal/config"
	"river/internal/logger"
	"river/pkg/errors"
	"river/pkg/metrics"
	"river/pkg/retry"
)

// Delivery is a received message waiting in the river queue. Ack goes to the
// subscription that produced it; after a reconnect that subscription is gone
// and the broker redelivers instead.
type Delivery struct {
	Message    *broker.Message
	sub        broker.Subscription
	enqueuedAt time.Time
}

func (d *Delivery) Ack(ctx context.Context) error {
	return d.sub.Ack(ctx, d.Message)
}

// ConnectionManager owns the broker connection and subscription of one river.
// Only the delivery goroutine calls Run; Close may be called from anywhere.
type ConnectionManager struct {
	river           string
	dialer          broker.Dialer
	source          broker.Source
	connectPolicy   retry.Policy
	reconnectPolicy retry.Policy
	logger          logger.Logger

	mu     sync.Mutex
	conn   broker.Conn
	sub    broker.Subscription
	closed bool

	state      atomic.Int32
	reconnects atomic.Int64
}

func NewConnectionManager(river string, dialer broker.Dialer, cfg config.BrokerConfig, log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		river:           river,
		dialer:          dialer,
		source:          broker.SourceFromConfig(cfg),
		connectPolicy:   policyFromConfig(cfg.ConnectRetry),
		reconnectPolicy: policyFromConfig(cfg.Reconnect),
		logger:          log,
	}
}

func policyFromConfig(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxElapsedTime:  cfg.MaxElapsedTime,
	}
}

func (m *ConnectionManager) Source() broker.Source {
	return m.source
}

func (m *ConnectionManager) State() SessionState {
	return SessionState(m.state.Load())
}

func (m *ConnectionManager) Reconnects() int64 {
	return m.reconnects.Load()
}

func (m *ConnectionManager) setState(s SessionState) {
	m.state.Store(int32(s))
	metrics.SetSessionState(m.river, int(s))
}

// Connect dials and subscribes, retrying with the initial connect policy.
// Exhausting the policy yields a connection error; cancellation of ctx is
// returned as is.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()

	err := retry.RetryWithCallback(ctx, m.connectPolicy, func() error {
		return m.open(ctx)
	}, func(attempt int, err error, next time.Duration) {
		m.logger.WarnwCtx(ctx, "Broker connect failed, retrying",
			"source", m.source.String(),
			"attempt", attempt,
			"next_retry_in", next,
			"error", err,
		)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.IsConnection(err) {
		return err
	}
	return errors.ErrConnection.WithCause(err)
}

// open establishes a fresh connection and subscription. A manager closed in
// the meantime gets a permanent error so retry loops stop.
func (m *ConnectionManager) open(ctx context.Context) error {
	if m.isClosed() {
		return retry.NewFatalError(broker.ErrClosed)
	}

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return errors.ErrConnection.WithCause(err)
	}
	m.setState(SessionConnected)

	sub, err := conn.Subscribe(ctx, m.source)
	if err != nil {
		m.closeQuietly("connection", conn.Close)
		return errors.ErrConnection.WithCause(fmt.Errorf("subscribe to %s: %w", m.source, err))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeQuietly("subscription", sub.Close)
		m.closeQuietly("connection", conn.Close)
		return retry.NewFatalError(broker.ErrClosed)
	}
	m.conn, m.sub = conn, sub
	m.mu.Unlock()

	m.setState(SessionSubscribed)
	m.logger.InfowCtx(ctx, "Subscribed to broker source", "source", m.source.String())
	return nil
}

func (m *ConnectionManager) subscription() broker.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub
}

func (m *ConnectionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Run receives messages and pushes them onto out until ctx is done or the
// manager is closed. A full queue blocks only this goroutine. Receive
// failures trigger a reconnect; the failed message, if any, is left to the
// broker to redeliver.
func (m *ConnectionManager) Run(ctx context.Context, out chan<- *Delivery) {
	for {
		if ctx.Err() != nil || m.isClosed() {
			return
		}

		sub := m.subscription()
		if sub == nil {
			if err := m.reconnect(ctx); err != nil {
				return
			}
			continue
		}

		m.setState(SessionConsuming)
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || m.isClosed() {
				return
			}
			m.logger.WarnwCtx(ctx, "Broker receive failed, reconnecting",
				"source", m.source.String(),
				"error", err,
			)
			if err := m.reconnect(ctx); err != nil {
				return
			}
			continue
		}

		d := &Delivery{Message: msg, sub: sub, enqueuedAt: time.Now()}
		select {
		case out <- d:
			metrics.SetMessageQueueSize(m.river, len(out))
		case <-ctx.Done():
			return
		}
	}
}

// reconnect tears down the dead session and retries until a new one is up,
// ctx is done or the manager is closed.
func (m *ConnectionManager) reconnect(ctx context.Context) error {
	m.setState(SessionReconnecting)
	m.release()

	err := retry.Forever(ctx, m.reconnectPolicy, func() error {
		return m.open(ctx)
	}, func(attempt int, err error, next time.Duration) {
		m.logger.WarnwCtx(ctx, "Broker reconnect failed",
			"source", m.source.String(),
			"attempt", attempt,
			"next_retry_in", next,
			"error", err,
		)
	})
	if err != nil {
		return err
	}

	n := m.reconnects.Add(1)
	metrics.IncReconnect(m.river)
	m.logger.InfowCtx(ctx, "Reconnected to broker",
		"source", m.source.String(),
		"reconnects", n,
	)
	return nil
}

// Publish sends payload over the current connection.
func (m *ConnectionManager) Publish(ctx context.Context, dst broker.Source, payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return errors.ErrConnection.WithCause(broker.ErrConnectionLost)
	}
	return conn.Publish(ctx, dst, payload)
}

// release closes the subscription and then the connection, if any.
func (m *ConnectionManager) release() {
	m.mu.Lock()
	sub, conn := m.sub, m.conn
	m.sub, m.conn = nil, nil
	m.mu.Unlock()

	if sub != nil {
		m.closeQuietly("subscription", sub.Close)
	}
	if conn != nil {
		m.closeQuietly("connection", conn.Close)
	}
}

// Close is idempotent and safe to call while Run is reconnecting.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.release()
	m.setState(SessionClosed)
}

func (m *ConnectionManager) closeQuietly(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		m.logger.Warnw("Failed to close broker "+what,
			"river", m.river,
			"source", m.source.String(),
			"error", err,
		)
	}
}
