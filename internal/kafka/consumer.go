package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-registration/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// UserChanged is published by the identity service whenever a user's role,
// department or year changes.
type UserChanged struct {
	UserID string `json:"userId"`
}

type Consumer struct {
	Reader MessageReader
	Logger *logger.Logger
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{Reader: reader, Logger: log}
}

// Start reads user change notifications until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, handler func(ctx context.Context, msg UserChanged) error) {
	c.Logger.Info("KAFKA", "Identity change consumer started")

	for {
		msg, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.Logger.Info("KAFKA", "Identity change consumer stopped")
				return
			}
			c.Logger.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			continue
		}

		var change UserChanged
		if err := json.Unmarshal(msg.Value, &change); err != nil || change.UserID == "" {
			c.Logger.Warn("KAFKA", fmt.Sprintf("Skipping malformed identity message at offset %d", msg.Offset))
			continue
		}

		if err := handler(ctx, change); err != nil {
			c.Logger.Error("KAFKA", fmt.Sprintf("Handling change for %s failed: %v", change.UserID, err))
		}
	}
}

func (c *Consumer) Close() error {
	return c.Reader.Close()
}
