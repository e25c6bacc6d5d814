package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type KafkaOptions struct {
	Brokers      []string
	Topics       Topics
	GroupID      string
	ContentType  string
	WriteTimeout time.Duration
}

// KafkaProducer writes to any topic through a single writer; the topic is
// set per message.
type KafkaProducer struct {
	opts   KafkaOptions
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaProducer(opts KafkaOptions, logger *slog.Logger) (*KafkaProducer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if opts.Topics.Exchange == "" || opts.Topics.EventBus == "" {
		return nil, fmt.Errorf("kafka exchange and event bus topics are required")
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &KafkaProducer{
		opts: opts,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: writeTimeout,
			// Synchronous writes so a send error reaches the caller.
			Async: false,
		},
		logger: logger,
	}, nil
}

func (p *KafkaProducer) Send(ctx context.Context, payload []byte, function string) (string, error) {
	return p.write(ctx, p.opts.Topics.Exchange, payload, map[string]string{
		headerFunction: function,
	})
}

func (p *KafkaProducer) SendEvent(ctx context.Context, payload []byte, serviceName, function string) (string, error) {
	return p.write(ctx, p.opts.Topics.EventBus, payload, map[string]string{
		headerFunction:    function,
		headerServiceName: serviceName,
		headerReplyTo:     p.opts.Topics.Response,
	})
}

func (p *KafkaProducer) SendResponse(ctx context.Context, payload []byte, request Inbound) error {
	if request.ReplyTo == "" {
		return fmt.Errorf("request %s has no reply address", request.MessageID)
	}
	_, err := p.write(ctx, request.ReplyTo, payload, map[string]string{
		headerCorrelationID: request.MessageID,
	})
	return err
}

func (p *KafkaProducer) write(ctx context.Context, topic string, payload []byte, headers map[string]string) (string, error) {
	messageID := uuid.NewString()
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(messageID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(messageID)},
		},
	}
	if p.opts.ContentType != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: headerContentType, Value: []byte(p.opts.ContentType)})
	}
	for key, value := range headers {
		if value == "" {
			continue
		}
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("kafka write %s: %w", topic, err)
	}
	if p.logger != nil {
		p.logger.Debug("kafka message sent", "topic", topic, "messageID", messageID, "size", len(payload))
	}
	return messageID, nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads the response topic. Messages whose serviceName
// header names another service are skipped.
type KafkaConsumer struct {
	reader      *kafka.Reader
	serviceName string
}

func NewKafkaConsumer(opts KafkaOptions, serviceName string) (*KafkaConsumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if opts.Topics.Response == "" {
		return nil, fmt.Errorf("kafka response topic is required")
	}
	groupID := opts.GroupID
	if groupID == "" {
		groupID = serviceName
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  opts.Brokers,
			GroupID:  groupID,
			Topic:    opts.Topics.Response,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  500 * time.Millisecond,
		}),
		serviceName: serviceName,
	}, nil
}

func (c *KafkaConsumer) Receive(ctx context.Context) (Inbound, error) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Inbound{}, err
			}
			return Inbound{}, fmt.Errorf("kafka read: %w", err)
		}
		in := inboundFromHeaders(msg.Headers, msg.Value)
		if in.ServiceName != "" && c.serviceName != "" && in.ServiceName != c.serviceName {
			continue
		}
		return in, nil
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func inboundFromHeaders(headers []kafka.Header, payload []byte) Inbound {
	in := Inbound{Payload: payload}
	for _, h := range headers {
		value := string(h.Value)
		switch h.Key {
		case headerMessageID:
			in.MessageID = value
		case headerCorrelationID:
			in.CorrelationID = value
		case headerReplyTo:
			in.ReplyTo = value
		case headerFunction:
			in.Function = value
		case headerServiceName:
			in.ServiceName = value
		}
	}
	return in
}
