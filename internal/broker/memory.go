package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"river/internal/constants"
	"river/pkg/errors"
	"river/pkg/metrics"
	"river/pkg/tracing"
)

// MemoryBroker is an in-process broker used by tests and the memory driver.
// Topics fan out to the subscriptions live at publish time; queues retain
// messages until a subscriber acknowledges them. DropConnections and
// FailDials simulate broker outages.
type MemoryBroker struct {
	mu        sync.Mutex
	topics    map[string]map[*memorySubscription]struct{}
	queues    map[string]*mailbox
	conns     map[*memoryConn]struct{}
	failDials int
	dials     int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]map[*memorySubscription]struct{}),
		queues: make(map[string]*mailbox),
		conns:  make(map[*memoryConn]struct{}),
	}
}

func (b *MemoryBroker) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.ErrConnection.WithCause(ErrConnectionLost)
	}

	c := &memoryConn{broker: b, broken: make(chan struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next n Dial calls fail with a connection error.
func (b *MemoryBroker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// DropConnections breaks every open connection. Blocked and future Receive
// calls on their subscriptions fail with a connection error.
func (b *MemoryBroker) DropConnections() {
	b.mu.Lock()
	conns := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.breakOnce.Do(func() { close(c.broken) })
	}
}

// Dials returns how many Dial calls the broker has seen.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed.
func (b *MemoryBroker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribers returns the number of live subscriptions on a topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Pending returns the number of queue messages not yet handed to a consumer.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	q := b.queues[queue]
	b.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.len()
}

// Publish delivers payload without a connection, the way an external
// producer would.
func (b *MemoryBroker) Publish(dst Source, payload []byte) {
	b.publish(dst, payload, nil)
}

func (b *MemoryBroker) publish(dst Source, payload []byte, headers map[string]string) {
	msg := &Message{
		ID:      uuid.NewString(),
		Source:  dst,
		Payload: append([]byte(nil), payload...),
		Headers: headers,
	}

	b.mu.Lock()
	switch dst.Type {
	case Queue:
		b.queueLocked(dst.Name).push(msg)
	default:
		for sub := range b.topics[dst.Name] {
			sub.box.push(msg)
		}
	}
	b.mu.Unlock()

	metrics.IncBrokerMessagesWritten(constants.BrokerTypeMemory, dst.Name, len(payload))
}

func (b *MemoryBroker) queueLocked(name string) *mailbox {
	q, ok := b.queues[name]
	if !ok {
		q = newMailbox()
		b.queues[name] = q
	}
	return q
}

type memoryConn struct {
	broker    *MemoryBroker
	broken    chan struct{}
	breakOnce sync.Once
	closeOnce sync.Once
}

func (c *memoryConn) isBroken() bool {
	select {
	case <-c.broken:
		return true
	default:
		return false
	}
}

func (c *memoryConn) Subscribe(ctx context.Context, src Source) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isBroken() {
		return nil, errors.ErrConnection.WithCause(ErrConnectionLost)
	}

	sub := &memorySubscription{
		conn:   c,
		source: src,
		closed: make(chan struct{}),
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	switch src.Type {
	case Queue:
		sub.box = b.queueLocked(src.Name)
	case Topic:
		sub.box = newMailbox()
		if b.topics[src.Name] == nil {
			b.topics[src.Name] = make(map[*memorySubscription]struct{})
		}
		b.topics[src.Name][sub] = struct{}{}
	default:
		return nil, errors.ErrValidation.WithDetail("source_type", string(src.Type))
	}
	return sub, nil
}

func (c *memoryConn) Publish(ctx context.Context, dst Source, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isBroken() {
		return errors.ErrConnection.WithCause(ErrConnectionLost)
	}
	c.broker.publish(dst, payload, tracing.InjectHeaders(ctx, nil))
	return nil
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() {
		c.broker.mu.Lock()
		delete(c.broker.conns, c)
		c.broker.mu.Unlock()
	})
	return nil
}

type memorySubscription struct {
	conn   *memoryConn
	source Source
	box    *mailbox

	mu        sync.Mutex
	inflight  []*Message
	done      bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context) (*Message, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrClosed
		default:
		}
		if s.conn.isBroken() {
			return nil, errors.ErrConnection.WithCause(ErrConnectionLost)
		}

		msg, wait := s.box.pop()
		if msg != nil {
			if s.source.Type == Queue && !s.track(msg) {
				return nil, ErrClosed
			}
			delivered := *msg
			delivered.ReceivedAt = time.Now()
			metrics.IncBrokerMessagesRead(constants.BrokerTypeMemory, s.source.Name, len(msg.Payload))
			return &delivered, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrClosed
		case <-s.conn.broken:
			return nil, errors.ErrConnection.WithCause(ErrConnectionLost)
		case <-wait:
		}
	}
}

func (s *memorySubscription) Ack(ctx context.Context, msg *Message) error {
	if s.conn.isBroken() {
		return errors.ErrConnection.WithCause(ErrConnectionLost)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.inflight {
		if m.ID == msg.ID {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			break
		}
	}
	return nil
}

// track records a popped queue message as unacknowledged. When the
// subscription closed in the meantime the message goes back to the queue.
func (s *memorySubscription) track(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		s.box.pushFront(msg)
		return false
	}
	s.inflight = append(s.inflight, msg)
	return true
}

// Close returns unacknowledged queue messages to the front of the queue.
func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		s.done = true
		unacked := s.inflight
		s.inflight = nil
		s.mu.Unlock()

		b := s.conn.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		switch s.source.Type {
		case Queue:
			s.box.pushFront(unacked...)
		case Topic:
			delete(b.topics[s.source.Name], s)
		}
	})
	return nil
}

// mailbox is an unbounded FIFO. Waiters block on the channel returned by pop,
// which is closed on the next push.
type mailbox struct {
	mu     sync.Mutex
	items  []*Message
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{})}
}

func (m *mailbox) push(msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	m.items = append(m.items, msgs...)
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}

func (m *mailbox) pushFront(msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	m.items = append(append([]*Message(nil), msgs...), m.items...)
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}

func (m *mailbox) pop() (*Message, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, m.notify
	}
	msg := m.items[0]
	m.items = m.items[1:]
	return msg, nil
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
