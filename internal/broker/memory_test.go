package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"river/pkg/errors"
)

func dial(t *testing.T, b *MemoryBroker) Conn {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn Conn, src Source) Subscription {
	t.Helper()
	sub, err := conn.Subscribe(context.Background(), src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func receive(t *testing.T, sub Subscription) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestMemoryTopicFansOut(t *testing.T) {
	b := NewMemoryBroker()
	src := Source{Name: "events", Type: Topic}

	s1 := subscribe(t, dial(t, b), src)
	s2 := subscribe(t, dial(t, b), src)
	assert.Equal(t, 2, b.Subscribers("events"))

	b.Publish(src, []byte("hello"))

	assert.Equal(t, "hello", string(receive(t, s1).Payload))
	assert.Equal(t, "hello", string(receive(t, s2).Payload))
}

func TestMemoryTopicDropsMessagesWithoutSubscribers(t *testing.T) {
	b := NewMemoryBroker()
	src := Source{Name: "events", Type: Topic}

	b.Publish(src, []byte("lost"))
	sub := subscribe(t, dial(t, b), src)
	b.Publish(src, []byte("seen"))

	assert.Equal(t, "seen", string(receive(t, sub).Payload))
}

func TestMemoryQueueDeliversEachMessageOnce(t *testing.T) {
	b := NewMemoryBroker()
	src := Source{Name: "jobs", Type: Queue}

	b.Publish(src, []byte("1"))
	b.Publish(src, []byte("2"))

	s1 := subscribe(t, dial(t, b), src)
	s2 := subscribe(t, dial(t, b), src)

	first := receive(t, s1)
	second := receive(t, s2)
	assert.ElementsMatch(t, []string{"1", "2"}, []string{string(first.Payload), string(second.Payload)})
	assert.Equal(t, 0, b.Pending("jobs"))
}

func TestMemoryQueueRedeliversUnackedOnClose(t *testing.T) {
	b := NewMemoryBroker()
	src := Source{Name: "jobs", Type: Queue}
	conn := dial(t, b)

	b.Publish(src, []byte("a"))
	b.Publish(src, []byte("b"))

	sub, err := conn.Subscribe(context.Background(), src)
	require.NoError(t, err)

	a := receive(t, sub)
	require.NoError(t, sub.Ack(context.Background(), a))
	bMsg := receive(t, sub)
	assert.Equal(t, "b", string(bMsg.Payload))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	again := subscribe(t, conn, src)
	assert.Equal(t, "b", string(receive(t, again).Payload))
}

func TestMemoryDropConnectionsFailsReceive(t *testing.T) {
	b := NewMemoryBroker()
	sub := subscribe(t, dial(t, b), Source{Name: "events", Type: Topic})

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background())
		errCh <- err
	}()

	b.DropConnections()

	select {
	case err := <-errCh:
		assert.True(t, errors.IsConnection(err))
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock after connection drop")
	}
}

func TestMemoryFailDials(t *testing.T) {
	b := NewMemoryBroker()
	b.FailDials(2)

	for i := 0; i < 2; i++ {
		_, err := b.Dial(context.Background())
		assert.True(t, errors.IsConnection(err))
	}
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, b.Dials())
	assert.Equal(t, 1, b.OpenConnections())

	require.NoError(t, conn.Close())
	assert.Equal(t, 0, b.OpenConnections())
}

func TestMemoryReceiveHonoursContext(t *testing.T) {
	b := NewMemoryBroker()
	sub := subscribe(t, dial(t, b), Source{Name: "events", Type: Topic})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryReceiveAfterCloseReturnsErrClosed(t *testing.T) {
	b := NewMemoryBroker()
	conn := dial(t, b)
	sub, err := conn.Subscribe(context.Background(), Source{Name: "events", Type: Topic})
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	_, err = sub.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.Subscribers("events"))
}

func TestMemoryConnPublish(t *testing.T) {
	b := NewMemoryBroker()
	conn := dial(t, b)
	src := Source{Name: "dead", Type: Queue}

	require.NoError(t, conn.Publish(context.Background(), src, []byte("x")))
	assert.Equal(t, 1, b.Pending("dead"))

	b.DropConnections()
	assert.True(t, errors.IsConnection(conn.Publish(context.Background(), src, []byte("y"))))
}

func TestMemoryPublishCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	b := NewMemoryBroker()
	conn := dial(t, b)
	src := Source{Name: "traced", Type: Queue}
	sub := subscribe(t, conn, src)

	require.NoError(t, conn.Publish(ctx, src, []byte("{}")))
	msg := receive(t, sub)
	assert.Contains(t, msg.Headers["traceparent"], span.SpanContext().TraceID().String())
}
