package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/pkg/errors"
	"river/pkg/metrics"
	"river/pkg/tracing"
)

// KafkaDialer maps sources onto Kafka topics. Queue sources share one
// consumer group named after the connection factory, so each message goes to
// one member. Topic sources get a fresh group per subscription starting at
// the log end, so every subscriber sees every new message.
type KafkaDialer struct {
	brokers []string
	group   string
	logger  logger.Logger
}

func NewKafkaDialer(cfg config.BrokerConfig, log logger.Logger) *KafkaDialer {
	return &KafkaDialer{
		brokers: cfg.Addresses(),
		group:   cfg.ConnectionFactory,
		logger:  log,
	}
}

// Dial verifies that at least one seed broker answers a metadata request.
// kafka-go readers and writers manage their own sockets afterwards.
func (d *KafkaDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := &kafka.Dialer{Timeout: constants.KafkaDialTimeout}

	var lastErr error = fmt.Errorf("no kafka brokers configured")
	for _, addr := range d.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}

		d.logger.Debugw("Connected to kafka", "broker", addr)
		return &kafkaConn{
			brokers: d.brokers,
			group:   d.group,
			logger:  d.logger,
			writer: &kafka.Writer{
				Addr:                   kafka.TCP(d.brokers...),
				Balancer:               &kafka.LeastBytes{},
				BatchTimeout:           constants.KafkaBatchTimeout,
				WriteTimeout:           constants.KafkaWriteTimeout,
				AllowAutoTopicCreation: true,
			},
		}, nil
	}

	return nil, errors.ErrConnection.WithCause(lastErr)
}

type kafkaConn struct {
	brokers []string
	group   string
	logger  logger.Logger
	writer  *kafka.Writer

	closeOnce sync.Once
	closeErr  error
}

func (c *kafkaConn) Subscribe(ctx context.Context, src Source) (Subscription, error) {
	readerCfg := kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    src.Name,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  constants.KafkaMaxWait,
	}

	switch src.Type {
	case Queue:
		readerCfg.GroupID = c.group
		readerCfg.StartOffset = kafka.FirstOffset
	case Topic:
		readerCfg.GroupID = c.group + "-" + uuid.NewString()
		readerCfg.StartOffset = kafka.LastOffset
	default:
		return nil, errors.ErrValidation.WithDetail("source_type", string(src.Type))
	}

	c.logger.InfowCtx(ctx, "Creating Kafka reader",
		"topic", src.Name,
		"brokers", c.brokers,
		"group_id", readerCfg.GroupID,
	)

	return &kafkaSubscription{
		source: src,
		reader: kafka.NewReader(readerCfg),
	}, nil
}

func (c *kafkaConn) Publish(ctx context.Context, dst Source, payload []byte) error {
	headers := tracing.InjectTraceContext(ctx, nil)

	start := time.Now()
	err := c.writer.WriteMessages(ctx, kafka.Message{
		Topic:   dst.Name,
		Value:   payload,
		Headers: headers,
		Time:    start,
	})
	if err != nil {
		return errors.ErrConnection.WithCause(fmt.Errorf("failed to write kafka message: %w", err))
	}

	metrics.IncBrokerMessagesWritten(constants.BrokerTypeKafka, dst.Name, len(payload))
	return nil
}

func (c *kafkaConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.writer.Close()
	})
	return c.closeErr
}

type kafkaSubscription struct {
	source Source
	reader *kafka.Reader

	closeOnce sync.Once
	closeErr  error
}

func (s *kafkaSubscription) Receive(ctx context.Context) (*Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == kafka.ErrGroupClosed || err == context.Canceled {
			return nil, ErrClosed
		}
		return nil, errors.ErrConnection.WithCause(err)
	}

	metrics.IncBrokerMessagesRead(constants.BrokerTypeKafka, s.source.Name, len(m.Value))

	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		ID:         fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
		Source:     s.source,
		Payload:    m.Value,
		Headers:    headers,
		ReceivedAt: time.Now(),
		handle:     m,
	}, nil
}

// Ack commits the message offset. For topic subscriptions the group is
// private, so the commit only advances this subscriber.
func (s *kafkaSubscription) Ack(ctx context.Context, msg *Message) error {
	m, ok := msg.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("message %s was not received from kafka", msg.ID)
	}
	if err := s.reader.CommitMessages(ctx, m); err != nil {
		return errors.ErrConnection.WithCause(err)
	}
	return nil
}

func (s *kafkaSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}
