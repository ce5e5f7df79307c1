package models

import "time"

type DomainEventKind string

const (
	KindRegistrationCreated   DomainEventKind = "RegistrationCreated"
	KindRegistrationApproved  DomainEventKind = "RegistrationApproved"
	KindRegistrationRejected  DomainEventKind = "RegistrationRejected"
	KindRegistrationCancelled DomainEventKind = "RegistrationCancelled"
	KindAttendanceMarked      DomainEventKind = "AttendanceMarked"
	// KindSnapshot is synthesized by the broadcast router on subscribe.
	KindSnapshot DomainEventKind = "Snapshot"
)

// DomainEvent describes one committed registration transition. It is the
// wire frame for SSE, Kafka and NATS, one event per message.
type DomainEvent struct {
	EventID            string          `json:"eventId"`
	Kind               DomainEventKind `json:"kind"`
	OccupiedCountAfter int             `json:"occupiedCountAfter"`
	SequenceNumber     uint64          `json:"sequenceNumber"`
	Timestamp          time.Time       `json:"timestamp"`
	RegistrationID     string          `json:"registrationId,omitempty"`
	UserID             string          `json:"userId,omitempty"`
	Status             string          `json:"status,omitempty"`
}
