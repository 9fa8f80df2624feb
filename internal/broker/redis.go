package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/pkg/errors"
	"river/pkg/metrics"
	"river/pkg/tracing"
)

// RedisDialer maps topic sources onto PUB/SUB channels and queue sources onto
// streams read through a consumer group named after the connection factory.
// Each process joins the group under its own consumer name.
type RedisDialer struct {
	opts     *redis.Options
	group    string
	consumer string
	logger   logger.Logger
}

func NewRedisDialer(cfg config.BrokerConfig, log logger.Logger) (*RedisDialer, error) {
	opts, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil {
		host = fmt.Sprintf("pid%d", os.Getpid())
	}
	return &RedisDialer{
		opts:     opts,
		group:    cfg.ConnectionFactory,
		consumer: redisConsumerName(cfg.ConnectionFactory, host),
		logger:   log,
	}, nil
}

// redisConsumerName is fixed per process so a reconnect resumes the same
// pending entries list.
func redisConsumerName(group, instance string) string {
	if instance == "" {
		return group
	}
	return group + "-" + instance
}

// RedisOptions derives client options from the broker endpoint. A redis://
// URL may carry credentials and a database number.
func RedisOptions(cfg config.BrokerConfig) (*redis.Options, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint())
	if strings.HasPrefix(endpoint, "redis://") || strings.HasPrefix(endpoint, "rediss://") {
		opts, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, errors.ErrValidation.WithCause(fmt.Errorf("invalid redis url: %w", err))
		}
		return opts, nil
	}

	addrs := cfg.Addresses()
	if len(addrs) == 0 {
		return nil, errors.ErrValidation.WithDetail("message", "redis address is required")
	}
	return &redis.Options{Addr: addrs[0]}, nil
}

func (d *RedisDialer) Dial(ctx context.Context) (Conn, error) {
	client := redis.NewClient(d.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.ErrConnection.WithCause(fmt.Errorf("failed to connect to redis: %w", err))
	}

	d.logger.Debugw("Connected to redis", "addr", d.opts.Addr)
	return &redisConn{client: client, group: d.group, consumer: d.consumer, logger: d.logger}, nil
}

type redisConn struct {
	client   *redis.Client
	group    string
	consumer string
	logger   logger.Logger

	closeOnce sync.Once
	closeErr  error
}

func (c *redisConn) Subscribe(ctx context.Context, src Source) (Subscription, error) {
	switch src.Type {
	case Topic:
		pubsub := c.client.Subscribe(ctx, src.Name)
		// The first reply confirms the subscription is registered server side.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, errors.ErrConnection.WithCause(fmt.Errorf("failed to subscribe to %s: %w", src.Name, err))
		}
		return &redisTopicSubscription{source: src, pubsub: pubsub}, nil

	case Queue:
		err := c.client.XGroupCreateMkStream(ctx, src.Name, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, errors.ErrConnection.WithCause(fmt.Errorf("failed to create consumer group on %s: %w", src.Name, err))
		}
		return &redisQueueSubscription{
			source:   src,
			client:   c.client,
			group:    c.group,
			consumer: c.consumer,
			cursor:   "0",
		}, nil

	default:
		return nil, errors.ErrValidation.WithDetail("source_type", string(src.Type))
	}
}

func (c *redisConn) Publish(ctx context.Context, dst Source, payload []byte) error {
	var err error
	switch dst.Type {
	case Topic:
		err = c.client.Publish(ctx, dst.Name, payload).Err()
	case Queue:
		// Stream entries carry the trace context next to the payload field.
		values := map[string]interface{}{constants.RedisStreamPayloadField: payload}
		for k, v := range tracing.InjectHeaders(ctx, nil) {
			values[k] = v
		}
		err = c.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dst.Name,
			Values: values,
		}).Err()
	default:
		return errors.ErrValidation.WithDetail("source_type", string(dst.Type))
	}
	if err != nil {
		return errors.ErrConnection.WithCause(err)
	}

	metrics.IncBrokerMessagesWritten(constants.BrokerTypeRedis, dst.Name, len(payload))
	return nil
}

func (c *redisConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

type redisTopicSubscription struct {
	source Source
	pubsub *redis.PubSub

	closeOnce sync.Once
	closeErr  error
}

func (s *redisTopicSubscription) Receive(ctx context.Context) (*Message, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == redis.ErrClosed {
			return nil, ErrClosed
		}
		return nil, errors.ErrConnection.WithCause(err)
	}

	metrics.IncBrokerMessagesRead(constants.BrokerTypeRedis, s.source.Name, len(msg.Payload))
	return &Message{
		ID:         fmt.Sprintf("%s/%d", msg.Channel, time.Now().UnixNano()),
		Source:     s.source,
		Payload:    []byte(msg.Payload),
		ReceivedAt: time.Now(),
	}, nil
}

// Ack is a no-op: PUB/SUB has no delivery state.
func (s *redisTopicSubscription) Ack(context.Context, *Message) error {
	return nil
}

func (s *redisTopicSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}

// redisQueueSubscription first drains this consumer's pending entries list,
// so messages received but never acknowledged before a reconnect are
// delivered again, then switches to new entries.
type redisQueueSubscription struct {
	source   Source
	client   *redis.Client
	group    string
	consumer string

	mu      sync.Mutex
	cursor  string
	pending []redis.XMessage
	closed  bool
}

func (s *redisQueueSubscription) Receive(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if len(s.pending) > 0 {
			entry := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return s.toMessage(entry), nil
		}
		cursor := s.cursor
		s.mu.Unlock()

		args := &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.source.Name, cursor},
			Count:    16,
		}
		if cursor == ">" {
			args.Block = constants.RedisReadBlock
		}

		streams, err := s.client.XReadGroup(ctx, args).Result()
		switch {
		case err == redis.Nil:
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == redis.ErrClosed {
				return nil, ErrClosed
			}
			return nil, errors.ErrConnection.WithCause(err)
		}

		var entries []redis.XMessage
		for _, stream := range streams {
			entries = append(entries, stream.Messages...)
		}

		s.mu.Lock()
		if cursor != ">" && len(entries) == 0 {
			s.cursor = ">"
		} else if cursor != ">" {
			s.cursor = entries[len(entries)-1].ID
		}
		s.pending = append(s.pending, entries...)
		s.mu.Unlock()
	}
}

func (s *redisQueueSubscription) toMessage(entry redis.XMessage) *Message {
	var payload []byte
	headers := make(map[string]string, len(entry.Values))
	for k, raw := range entry.Values {
		v, _ := raw.(string)
		if k == constants.RedisStreamPayloadField {
			payload = []byte(v)
			continue
		}
		headers[k] = v
	}

	metrics.IncBrokerMessagesRead(constants.BrokerTypeRedis, s.source.Name, len(payload))
	return &Message{
		ID:         entry.ID,
		Source:     s.source,
		Payload:    payload,
		Headers:    headers,
		ReceivedAt: time.Now(),
		handle:     entry.ID,
	}
}

func (s *redisQueueSubscription) Ack(ctx context.Context, msg *Message) error {
	id, ok := msg.handle.(string)
	if !ok {
		return fmt.Errorf("message %s was not received from a redis stream", msg.ID)
	}
	if err := s.client.XAck(ctx, s.source.Name, s.group, id).Err(); err != nil {
		return errors.ErrConnection.WithCause(err)
	}
	return nil
}

// Close releases nothing on the server: the client is owned by the
// connection, and unacknowledged entries stay pending for the next reader.
func (s *redisQueueSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
