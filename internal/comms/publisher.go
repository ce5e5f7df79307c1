package comms

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "registrations.events"

// Publisher forwards domain events to per-event NATS subjects so that
// notification workers can subscribe to one event or to all of them with
// "<prefix>.>".
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logger.Logger
}

func NewPublisher(nc *nats.Conn, prefix string, log *logger.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, logger: log}
}

func (p *Publisher) Name() string {
	return "nats"
}

func (p *Publisher) Subject(eventID string) string {
	return p.prefix + "." + eventID
}

func (p *Publisher) Publish(_ context.Context, ev models.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode domain event: %w", err)
	}

	subject := p.Subject(ev.EventID)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Kind", string(ev.Kind))
	msg.Header.Set("Sequence", fmt.Sprintf("%d", ev.SequenceNumber))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.logger.Debug("NATS", fmt.Sprintf("Published %s #%d to %s", ev.Kind, ev.SequenceNumber, subject))
	return nil
}
