// Package kafka is the Kafka sink for the outbox relay.
package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/segmentio/kafka-go"
)

const (
	headerEventType = "event-type"
	headerDedupeKey = "dedupe-key"
)

type Producer struct {
	writer *kafka.Writer
}

// NewProducer writes every event to one topic keyed by aggregate id, so all
// events of a booking land on the same partition in order.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, rec domain.OutboxRecord) error {
	if err := p.writer.WriteMessages(ctx, Message(rec)); err != nil {
		return errors.Wrapf(err, "write %s to kafka", rec.EventType)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Message maps an outbox record onto a Kafka message.
func Message(rec domain.OutboxRecord) kafka.Message {
	return kafka.Message{
		Key:   []byte(rec.AggregateType + ":" + strconv.FormatInt(rec.AggregateID, 10)),
		Value: rec.Payload,
		Time:  rec.CreatedAt,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(rec.EventType)},
			{Key: headerDedupeKey, Value: []byte(rec.DedupeKey)},
		},
	}
}
