package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/whizbang/internal/eventlog"
)

// messageWriter is the subset of *kafka.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is an eventlog.Publisher writing one message per committed
// event, keyed by stream so a stream's events stay in one partition.
type Publisher struct {
	writer messageWriter
}

func NewPublisher(brokers []string, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &Publisher{writer: writer}
}

// Publish implements eventlog.Publisher.
func (p *Publisher) Publish(ctx context.Context, events []eventlog.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := messages(events)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func messages(events []eventlog.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", evt, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.Stream),
			Value: data,
			Time:  evt.RecordedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(evt.Type)},
			},
		})
	}
	return msgs, nil
}
