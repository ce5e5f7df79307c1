package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"
)

// Denial explains why TryAcquire did not grant a slot.
type Denial string

const (
	DenialNone         Denial = ""
	DenialFull         Denial = "full"
	DenialClosed       Denial = "closed"
	DenialNotAdmitting Denial = "not_admitting"
	DenialUnknownEvent Denial = "unknown_event"
)

const defaultAcquireCount = 1

// Admission is the result of one TryAcquire call.
type Admission struct {
	Granted  bool
	Count    int
	Denial   Denial
	Deadline time.Time
}

var (
	// ErrEventNotFound is what an EventSource returns for unknown ids.
	ErrEventNotFound = models.ErrEventNotFound
	// ErrFloorBreach means a release would have taken the count below zero.
	ErrFloorBreach = errors.New("capacity: release below zero")
	// ErrCeilingBreach means the stored count exceeds max capacity.
	ErrCeilingBreach = errors.New("capacity: occupied count above max capacity")
)

// EventSource supplies the immutable admission limits of an event.
type EventSource interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
}

// Counter is the store-level atomic primitive behind the ledger. Increment
// must check and add in one step; no implementation may read, decide, then
// write in separate calls.
type Counter interface {
	Increment(ctx context.Context, eventID string, amount, max int) (granted bool, count int, err error)
	Decrement(ctx context.Context, eventID string, amount int) (count int, floorBreach bool, err error)
	Count(ctx context.Context, eventID string) (int, error)
}

// Alerter receives consistency faults out of band.
type Alerter interface {
	ConsistencyFault(ctx context.Context, eventID, detail string) error
}

// Ledger is the only component allowed to change an event's occupied count.
type Ledger struct {
	Events  EventSource
	Counter Counter
	Logger  *logger.Logger
	Alerts  Alerter
	Now     func() time.Time
}

func NewLedger(events EventSource, counter Counter, log *logger.Logger) *Ledger {
	return &Ledger{
		Events:  events,
		Counter: counter,
		Logger:  log,
		Now:     time.Now,
	}
}

// TryAcquire reserves amount slots if the event is published, its
// registration window is open and the slots fit under max capacity.
func (l *Ledger) TryAcquire(ctx context.Context, eventID string, amount int) (Admission, error) {
	if amount <= 0 {
		amount = defaultAcquireCount
	}

	ev, err := l.Events.GetEvent(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return Admission{Denial: DenialUnknownEvent}, nil
	}
	if err != nil {
		return Admission{}, fmt.Errorf("load event %s: %w", eventID, err)
	}

	if ev.Status != models.EventStatusPublished {
		return Admission{Denial: DenialNotAdmitting}, nil
	}
	if !l.Now().Before(ev.RegistrationDeadline) {
		return Admission{Denial: DenialClosed, Deadline: ev.RegistrationDeadline}, nil
	}

	granted, count, err := l.Counter.Increment(ctx, eventID, amount, ev.MaxCapacity)
	if err != nil {
		return Admission{}, fmt.Errorf("acquire %s: %w", eventID, err)
	}
	if !granted {
		l.Logger.LogLedger("DENY", eventID, fmt.Sprintf("full at %d/%d", count, ev.MaxCapacity))
		return Admission{Count: count, Denial: DenialFull}, nil
	}

	l.Logger.LogLedger("ACQUIRE", eventID, fmt.Sprintf("%d/%d", count, ev.MaxCapacity))
	return Admission{Granted: true, Count: count}, nil
}

// Release gives back amount slots. The count is floored at zero; hitting the
// floor returns ErrFloorBreach along with the floored count.
func (l *Ledger) Release(ctx context.Context, eventID string, amount int) (int, error) {
	if amount <= 0 {
		amount = defaultAcquireCount
	}

	count, breach, err := l.Counter.Decrement(ctx, eventID, amount)
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", eventID, err)
	}
	if breach {
		l.fault(ctx, eventID, fmt.Sprintf("release of %d would go below zero, count floored at 0", amount))
		return count, ErrFloorBreach
	}

	l.Logger.LogLedger("RELEASE", eventID, fmt.Sprintf("now %d", count))
	return count, nil
}

// Occupancy reads the current count without changing it.
func (l *Ledger) Occupancy(ctx context.Context, eventID string) (int, error) {
	count, err := l.Counter.Count(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("occupancy %s: %w", eventID, err)
	}
	return count, nil
}

// Check compares the stored count against max capacity and reports a
// ceiling breach as a consistency fault.
func (l *Ledger) Check(ctx context.Context, ev *models.Event) (int, error) {
	count, err := l.Occupancy(ctx, ev.ID)
	if err != nil {
		return 0, err
	}
	if count > ev.MaxCapacity {
		l.fault(ctx, ev.ID, fmt.Sprintf("occupied %d exceeds max %d", count, ev.MaxCapacity))
		return count, ErrCeilingBreach
	}
	return count, nil
}

func (l *Ledger) fault(ctx context.Context, eventID, detail string) {
	l.Logger.LogConsistencyFault(eventID, detail)
	if l.Alerts == nil {
		return
	}
	if err := l.Alerts.ConsistencyFault(context.WithoutCancel(ctx), eventID, detail); err != nil {
		l.Logger.Error("LEDGER", fmt.Sprintf("alert for %s not sent: %v", eventID, err))
	}
}
