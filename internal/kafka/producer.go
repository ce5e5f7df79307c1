package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer      MessageWriter
	EventsTopic string
	AlertsTopic string
	Logger      *logger.Logger
}

// NewProducer keys every message by event id; the hash balancer keeps one
// event's messages on one partition, in order.
func NewProducer(brokers []string, eventsTopic, alertsTopic string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{
		Writer:      writer,
		EventsTopic: eventsTopic,
		AlertsTopic: alertsTopic,
		Logger:      log,
	}
}

func (p *Producer) Name() string {
	return "kafka"
}

// Publish streams one domain event to the events topic
func (p *Producer) Publish(ctx context.Context, ev models.DomainEvent) error {
	msgBytes, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.Logger.LogKafka("PUBLISH", p.EventsTopic, fmt.Sprintf("%s %s #%d", ev.EventID, ev.Kind, ev.SequenceNumber))

	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: p.EventsTopic,
		Key:   []byte(ev.EventID),
		Value: msgBytes,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	})
}

// ConsistencyAlert is the payload on the alerts topic.
type ConsistencyAlert struct {
	EventID   string    `json:"eventId"`
	Detail    string    `json:"detail"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsistencyFault raises an out-of-band alert for a capacity invariant breach.
func (p *Producer) ConsistencyFault(ctx context.Context, eventID, detail string) error {
	msgBytes, err := json.Marshal(ConsistencyAlert{
		EventID:   eventID,
		Detail:    detail,
		Service:   "ms-registration",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	p.Logger.LogKafka("ALERT", p.AlertsTopic, eventID)

	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: p.AlertsTopic,
		Key:   []byte(eventID),
		Value: msgBytes,
	})
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
