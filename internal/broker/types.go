// Package broker exposes the minimal capability set a river needs from a
// message broker: connect, subscribe, receive, acknowledge, publish and close.
package broker

import (
	"context"
	"fmt"
	"time"

	"river/internal/constants"
)

type SourceType string

const (
	Topic SourceType = constants.SourceTypeTopic
	Queue SourceType = constants.SourceTypeQueue
)

// Source names what a river subscribes to. A topic delivers every message to
// every current subscriber; a queue delivers each message to one consumer and
// retains it until acknowledged.
type Source struct {
	Name string
	Type SourceType
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%s", s.Type, s.Name)
}

// Message is one inbound broker message. The payload is the raw bulk body;
// the driver keeps whatever it needs to acknowledge the message in handle.
type Message struct {
	ID         string
	Source     Source
	Payload    []byte
	Headers    map[string]string
	ReceivedAt time.Time

	handle interface{}
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live broker connection. Close is idempotent.
type Conn interface {
	Subscribe(ctx context.Context, src Source) (Subscription, error)
	Publish(ctx context.Context, dst Source, payload []byte) error
	Close() error
}

// Subscription delivers messages from one source. Receive blocks until a
// message arrives, ctx is done or the underlying connection fails. Close is
// idempotent; unacknowledged queue messages become available again.
type Subscription interface {
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Close() error
}

var (
	ErrClosed         = fmt.Errorf("broker: subscription closed")
	ErrConnectionLost = fmt.Errorf("broker: connection lost")
)
