package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-registration/internal/capacity"
	"ms-registration/internal/identity"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	regdb "ms-registration/internal/registration/db"

	"github.com/google/uuid"
)

type Store interface {
	Create(ctx context.Context, reg *models.Registration) error
	GetByID(ctx context.Context, id string) (*models.Registration, error)
	FindActive(ctx context.Context, userID, eventID string) (*models.Registration, error)
	ListForEvent(ctx context.Context, eventID string, status models.RegistrationStatus) ([]models.Registration, error)
	UpdateStatus(ctx context.Context, reg *models.Registration) error
	CountHolding(ctx context.Context, eventID string) (int, error)
}

type Ledger interface {
	TryAcquire(ctx context.Context, eventID string, amount int) (capacity.Admission, error)
	Release(ctx context.Context, eventID string, amount int) (int, error)
	Occupancy(ctx context.Context, eventID string) (int, error)
	Check(ctx context.Context, ev *models.Event) (int, error)
}

type Catalog interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.DomainEvent) (models.DomainEvent, error)
}

type Service struct {
	Store    Store
	Ledger   Ledger
	Catalog  Catalog
	Identity identity.Provider
	Events   Publisher
	Alerts   capacity.Alerter
	Logger   *logger.Logger
	Now      func() time.Time

	// MaxTransitionRetries bounds the read-decide-write cycle when another
	// writer changed the same registration first.
	MaxTransitionRetries int
	// ReadRetries applies only to reads done before any capacity is held.
	ReadRetries         int
	ReadRetryBackoff    time.Duration
	CompensationTimeout time.Duration
}

func NewService(store Store, ledger Ledger, catalog Catalog, ident identity.Provider, events Publisher, log *logger.Logger) *Service {
	return &Service{
		Store:                store,
		Ledger:               ledger,
		Catalog:              catalog,
		Identity:             ident,
		Events:               events,
		Logger:               log,
		Now:                  time.Now,
		MaxTransitionRetries: 5,
		ReadRetries:          3,
		ReadRetryBackoff:     50 * time.Millisecond,
		CompensationTimeout:  5 * time.Second,
	}
}

// ---------------- REGISTER ----------------

// Register admits userID to eventID. The capacity slot is acquired before
// the row is written; if the write does not land, the slot is released
// before returning.
func (s *Service) Register(ctx context.Context, userID, eventID string, preferences map[string]any) (*models.Registration, error) {
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != models.EventStatusPublished {
		return nil, newError(CodeEventNotAdmitting, fmt.Sprintf("event %s is %s", eventID, ev.Status))
	}

	caller, err := retryRead(ctx, s, func(ctx context.Context) (models.CallerAttributes, error) {
		return s.Identity.GetCallerAttributes(ctx, userID)
	}, identity.ErrUnknownUser)
	if errors.Is(err, identity.ErrUnknownUser) {
		return nil, newError(CodeNotEligible, fmt.Sprintf("user %s has no campus profile", userID))
	}
	if err != nil {
		return nil, wrapError(CodePersistence, "load caller attributes", err)
	}
	if !Eligible(ev.Eligibility, caller) {
		return nil, newError(CodeNotEligible, fmt.Sprintf("user %s fails eligibility for %s", userID, eventID))
	}

	existing, err := retryRead(ctx, s, func(ctx context.Context) (*models.Registration, error) {
		return s.Store.FindActive(ctx, userID, eventID)
	})
	if err != nil {
		return nil, wrapError(CodePersistence, "check existing registration", err)
	}
	if existing != nil {
		return nil, newError(CodeAlreadyRegistered, fmt.Sprintf("user %s already holds %s", userID, existing.ID))
	}

	if !s.Now().Before(ev.RegistrationDeadline) {
		return nil, deadlinePassed(eventID, ev.RegistrationDeadline)
	}

	// No retries past this point: a second TryAcquire could take a second slot.
	adm, err := s.Ledger.TryAcquire(ctx, eventID, 1)
	if err != nil {
		s.Logger.Error("REGISTRATION", fmt.Sprintf("Admission for %s/%s failed with unknown outcome: %v", userID, eventID, err))
		return nil, wrapError(CodePersistence, "capacity admission", err)
	}
	if !adm.Granted {
		return nil, s.denied(eventID, adm)
	}

	now := s.Now().UTC()
	reg := &models.Registration{
		ID:          uuid.New().String(),
		UserID:      userID,
		EventID:     eventID,
		Status:      InitialStatus(Evaluate(ev).ApprovalRequired),
		Preferences: preferences,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.Store.Create(ctx, reg); err != nil {
		return s.compensate(ctx, reg, err)
	}

	s.Logger.LogRegistration("CREATE", reg.ID, fmt.Sprintf("user %s event %s status %s (%d/%d)", userID, eventID, reg.Status, adm.Count, ev.MaxCapacity))
	s.emit(ctx, models.KindRegistrationCreated, reg, adm.Count)
	return reg, nil
}

func (s *Service) denied(eventID string, adm capacity.Admission) error {
	switch adm.Denial {
	case capacity.DenialClosed:
		return deadlinePassed(eventID, adm.Deadline)
	case capacity.DenialNotAdmitting:
		return newError(CodeEventNotAdmitting, fmt.Sprintf("event %s stopped admitting", eventID))
	case capacity.DenialUnknownEvent:
		return newError(CodeNotFound, fmt.Sprintf("event %s not found", eventID))
	default:
		return newError(CodeEventFull, fmt.Sprintf("event %s is full at %d", eventID, adm.Count))
	}
}

// compensate runs after a failed insert while a slot is held. It uses a
// context detached from the caller so a timed-out request still undoes its
// acquisition.
func (s *Service) compensate(ctx context.Context, reg *models.Registration, cause error) (*models.Registration, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CompensationTimeout)
	defer cancel()

	// A write can land even though the caller saw a timeout.
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		if stored, err := s.Store.GetByID(cctx, reg.ID); err == nil {
			s.Logger.Warn("REGISTRATION", fmt.Sprintf("Insert of %s reported %v but the row exists, keeping it", reg.ID, cause))
			count, _ := s.Ledger.Occupancy(cctx, reg.EventID)
			s.emit(ctx, models.KindRegistrationCreated, stored, count)
			return stored, nil
		}
	}

	if _, err := s.Ledger.Release(cctx, reg.EventID, 1); err != nil {
		detail := fmt.Sprintf("compensating release for %s failed: %v", reg.ID, err)
		s.fault(cctx, reg.EventID, detail)
		return nil, wrapError(CodeConsistencyFault, detail, cause)
	}
	s.Logger.LogRegistration("COMPENSATE", reg.ID, fmt.Sprintf("released slot on %s after failed insert: %v", reg.EventID, cause))

	if errors.Is(cause, regdb.ErrDuplicate) {
		return nil, newError(CodeAlreadyRegistered, fmt.Sprintf("user %s already holds a registration for %s", reg.UserID, reg.EventID))
	}
	return nil, wrapError(CodePersistence, "persist registration", cause)
}

// ---------------- TRANSITIONS ----------------

// Decide approves or rejects a pending registration.
func (s *Service) Decide(ctx context.Context, registrationID string, approved bool, reason, deciderID string) (*models.Registration, error) {
	return s.transition(ctx, transitionRequest{
		registrationID: registrationID,
		actorID:        deciderID,
		action:         DecisionAction(approved),
		authorize: func(ev *models.Event, _ *models.Registration, actor models.CallerAttributes) bool {
			return CanDecide(ev, actor)
		},
		apply: func(reg *models.Registration, now time.Time) {
			reg.Reason = reason
			reg.DecidedAt = &now
			reg.DecidedBy = &deciderID
		},
	})
}

// Cancel withdraws a pending or approved registration. Authority is checked
// before status so strangers learn nothing about the registration.
func (s *Service) Cancel(ctx context.Context, registrationID, reason, actorID string) (*models.Registration, error) {
	return s.transition(ctx, transitionRequest{
		registrationID: registrationID,
		actorID:        actorID,
		action:         ActionCancel,
		authorizeFirst: true,
		authorize:      CanCancel,
		apply: func(reg *models.Registration, _ time.Time) {
			reg.Reason = reason
		},
	})
}

// MarkAttendance records presence or absence for an approved registration.
func (s *Service) MarkAttendance(ctx context.Context, registrationID string, present bool, actorID string) (*models.Registration, error) {
	return s.transition(ctx, transitionRequest{
		registrationID: registrationID,
		actorID:        actorID,
		action:         AttendanceAction(present),
		authorize: func(ev *models.Event, _ *models.Registration, actor models.CallerAttributes) bool {
			return CanMarkAttendance(ev, actor)
		},
		apply: func(reg *models.Registration, now time.Time) {
			reg.AttendanceMarkedAt = &now
		},
	})
}

type transitionRequest struct {
	registrationID string
	actorID        string
	action         Action
	authorizeFirst bool
	authorize      func(ev *models.Event, reg *models.Registration, actor models.CallerAttributes) bool
	apply          func(reg *models.Registration, now time.Time)
}

// transition runs read-decide-write under optimistic versioning. Capacity
// is released only after the new status is durable, and only by the writer
// whose update won, so each registration releases at most once.
func (s *Service) transition(ctx context.Context, req transitionRequest) (*models.Registration, error) {
	actor, err := s.actor(ctx, req.actorID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= s.MaxTransitionRetries; attempt++ {
		reg, ev, err := s.load(ctx, req.registrationID)
		if err != nil {
			return nil, err
		}

		if req.authorizeFirst && !req.authorize(ev, reg, actor) {
			return nil, newError(CodeNotAuthorized, fmt.Sprintf("%s may not %s %s", actor.UserID, req.action, reg.ID))
		}
		t, err := Next(reg.Status, req.action)
		if err != nil {
			return nil, err
		}
		if !req.authorizeFirst && !req.authorize(ev, reg, actor) {
			return nil, newError(CodeNotAuthorized, fmt.Sprintf("%s may not %s %s", actor.UserID, req.action, reg.ID))
		}

		reg.Status = t.To
		req.apply(reg, s.Now().UTC())

		expected := reg.Version
		err = s.Store.UpdateStatus(ctx, reg)
		if errors.Is(err, regdb.ErrVersionConflict) {
			s.Logger.Debug("REGISTRATION", fmt.Sprintf("Version conflict on %s (attempt %d), re-reading", reg.ID, attempt+1))
			continue
		}
		if err != nil {
			stored, ok := s.landed(ctx, reg, expected, t, err)
			if !ok {
				return nil, wrapError(CodePersistence, fmt.Sprintf("persist %s of %s", req.action, reg.ID), err)
			}
			reg = stored
		}

		count := s.settle(ctx, reg, t)
		s.Logger.LogRegistration(string(req.action), reg.ID, fmt.Sprintf("%s -> %s by %s", t.From, t.To, actor.UserID))
		s.emit(ctx, t.Kind, reg, count)
		return reg, nil
	}

	return nil, newError(CodePersistence, fmt.Sprintf("%s kept changing, gave up after %d attempts", req.registrationID, s.MaxTransitionRetries+1))
}

// landed checks whether a status write that reported a timeout or cancel
// committed anyway. The row must carry exactly this writer's version and
// timestamp; only then may the caller settle capacity for it.
func (s *Service) landed(ctx context.Context, reg *models.Registration, expected int64, t Transition, cause error) (*models.Registration, bool) {
	if !errors.Is(cause, context.DeadlineExceeded) && !errors.Is(cause, context.Canceled) {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CompensationTimeout)
	defer cancel()

	stored, err := s.Store.GetByID(cctx, reg.ID)
	if err != nil {
		s.Logger.Warn("REGISTRATION", fmt.Sprintf("Could not confirm %s of %s after %v: %v", t.To, reg.ID, cause, err))
		return nil, false
	}
	if stored.Version != expected+1 || stored.Status != t.To ||
		!stored.UpdatedAt.Truncate(time.Millisecond).Equal(reg.UpdatedAt.Truncate(time.Millisecond)) {
		return nil, false
	}
	s.Logger.Warn("REGISTRATION", fmt.Sprintf("Update of %s reported %v but %s was written, settling it", reg.ID, cause, t.To))
	return stored, true
}

// settle applies the transition's capacity delta and returns the count to
// report. A failed release is a fault, not a failed operation: the status
// change is already durable.
func (s *Service) settle(ctx context.Context, reg *models.Registration, t Transition) int {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CompensationTimeout)
	defer cancel()

	if !t.Releases() {
		count, err := s.Ledger.Occupancy(cctx, reg.EventID)
		if err != nil {
			s.Logger.Warn("REGISTRATION", fmt.Sprintf("Occupancy read for %s failed: %v", reg.EventID, err))
		}
		return count
	}

	count, err := s.Ledger.Release(cctx, reg.EventID, -t.CapacityDelta)
	switch {
	case errors.Is(err, capacity.ErrFloorBreach):
		// the ledger already logged and alerted
	case err != nil:
		s.fault(cctx, reg.EventID, fmt.Sprintf("release for %s (%s -> %s) failed: %v", reg.ID, t.From, t.To, err))
	}
	return count
}

// ---------------- PASSES ----------------

// PassFor returns the registration a pass may be issued for: approved and
// owned by the requester.
func (s *Service) PassFor(ctx context.Context, registrationID, userID string) (*models.Registration, error) {
	reg, err := s.getRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.UserID != userID {
		return nil, newError(CodeNotAuthorized, fmt.Sprintf("%s does not own %s", userID, reg.ID))
	}
	if reg.Status != models.StatusApproved {
		return nil, &Error{
			Code:     CodeInvalidTransition,
			Message:  fmt.Sprintf("no pass for a %s registration", reg.Status),
			Metadata: map[string]string{"from": string(reg.Status), "action": "given a pass"},
		}
	}
	return reg, nil
}

// Scan marks the holder of a pass as present. The pass must match the
// stored registration exactly.
func (s *Service) Scan(ctx context.Context, claims models.PassClaims, scannerID string) (*models.Registration, error) {
	reg, err := s.getRegistration(ctx, claims.RegistrationID)
	if err != nil {
		return nil, err
	}
	if reg.EventID != claims.EventID || reg.UserID != claims.UserID {
		s.Logger.LogSecurity("PASS_MISMATCH", fmt.Sprintf("pass for %s does not match stored registration", claims.RegistrationID))
		return nil, newError(CodeNotFound, "pass does not match a registration")
	}
	return s.MarkAttendance(ctx, reg.ID, true, scannerID)
}

// ---------------- READS ----------------

// Get returns a registration to its owner or to event staff.
func (s *Service) Get(ctx context.Context, registrationID, actorID string) (*models.Registration, error) {
	reg, ev, err := s.load(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !CanView(ev, reg, actor) {
		return nil, newError(CodeNotFound, fmt.Sprintf("registration %s not visible to %s", registrationID, actorID))
	}
	return reg, nil
}

// ListForEvent is the organizer view of an event's registrations.
func (s *Service) ListForEvent(ctx context.Context, eventID string, status models.RegistrationStatus, actorID string) ([]models.Registration, error) {
	if status != "" && !status.Valid() {
		return nil, newError(CodeNotFound, fmt.Sprintf("unknown status %q", status))
	}
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !CanMarkAttendance(ev, actor) {
		return nil, newError(CodeNotAuthorized, fmt.Sprintf("%s may not list registrations of %s", actorID, eventID))
	}

	regs, err := retryRead(ctx, s, func(ctx context.Context) ([]models.Registration, error) {
		return s.Store.ListForEvent(ctx, eventID, status)
	})
	if err != nil {
		return nil, wrapError(CodePersistence, "list registrations", err)
	}
	return regs, nil
}

// Occupancy derives availability from the ledger count on every read.
func (s *Service) Occupancy(ctx context.Context, eventID string) (models.Occupancy, error) {
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return models.Occupancy{}, err
	}
	count, err := s.Ledger.Check(ctx, ev)
	if errors.Is(err, capacity.ErrCeilingBreach) {
		return models.Occupancy{}, wrapError(CodeConsistencyFault, "occupancy above capacity", err)
	}
	if err != nil {
		return models.Occupancy{}, wrapError(CodePersistence, "read occupancy", err)
	}
	return models.NewOccupancy(ev, count, s.Now()), nil
}

// Audit compares the ledger against the capacity-holding rows of an event
// and reports drift as a consistency fault. It never rewrites the ledger.
func (s *Service) Audit(ctx context.Context, eventID string) (ledger int, rows int, err error) {
	ledger, err = s.Ledger.Occupancy(ctx, eventID)
	if err != nil {
		return 0, 0, err
	}
	rows, err = s.Store.CountHolding(ctx, eventID)
	if err != nil {
		return 0, 0, err
	}
	if ledger != rows {
		s.fault(ctx, eventID, fmt.Sprintf("ledger holds %d slots but %d registrations hold capacity", ledger, rows))
		return ledger, rows, wrapError(CodeConsistencyFault, "ledger drift", nil)
	}
	return ledger, rows, nil
}

// ---------------- HELPERS ----------------

func (s *Service) loadEvent(ctx context.Context, eventID string) (*models.Event, error) {
	ev, err := retryRead(ctx, s, func(ctx context.Context) (*models.Event, error) {
		return s.Catalog.GetEvent(ctx, eventID)
	}, models.ErrEventNotFound)
	if errors.Is(err, models.ErrEventNotFound) {
		return nil, newError(CodeNotFound, fmt.Sprintf("event %s not found", eventID))
	}
	if err != nil {
		return nil, wrapError(CodePersistence, "load event", err)
	}
	return ev, nil
}

func (s *Service) getRegistration(ctx context.Context, registrationID string) (*models.Registration, error) {
	reg, err := retryRead(ctx, s, func(ctx context.Context) (*models.Registration, error) {
		return s.Store.GetByID(ctx, registrationID)
	}, regdb.ErrNotFound)
	if errors.Is(err, regdb.ErrNotFound) {
		return nil, newError(CodeNotFound, fmt.Sprintf("registration %s not found", registrationID))
	}
	if err != nil {
		return nil, wrapError(CodePersistence, "load registration", err)
	}
	return reg, nil
}

func (s *Service) load(ctx context.Context, registrationID string) (*models.Registration, *models.Event, error) {
	reg, err := s.getRegistration(ctx, registrationID)
	if err != nil {
		return nil, nil, err
	}
	ev, err := s.loadEvent(ctx, reg.EventID)
	if err != nil {
		return nil, nil, err
	}
	return reg, ev, nil
}

// actor resolves the caller's attributes. Callers without a campus profile
// keep only their id, which is still enough to act on their own rows.
func (s *Service) actor(ctx context.Context, userID string) (models.CallerAttributes, error) {
	if userID == "" {
		return models.CallerAttributes{}, newError(CodeNotAuthorized, "no caller identity")
	}
	attrs, err := retryRead(ctx, s, func(ctx context.Context) (models.CallerAttributes, error) {
		return s.Identity.GetCallerAttributes(ctx, userID)
	}, identity.ErrUnknownUser)
	if errors.Is(err, identity.ErrUnknownUser) {
		return models.CallerAttributes{UserID: userID}, nil
	}
	if err != nil {
		return models.CallerAttributes{}, wrapError(CodePersistence, "load actor attributes", err)
	}
	return attrs, nil
}

func (s *Service) emit(ctx context.Context, kind models.DomainEventKind, reg *models.Registration, count int) {
	if s.Events == nil {
		return
	}
	ev := models.DomainEvent{
		EventID:            reg.EventID,
		Kind:               kind,
		OccupiedCountAfter: count,
		Timestamp:          s.Now().UTC(),
		RegistrationID:     reg.ID,
		UserID:             reg.UserID,
		Status:             string(reg.Status),
	}
	if _, err := s.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.Logger.Error("REGISTRATION", fmt.Sprintf("Publish %s for %s failed: %v", kind, reg.ID, err))
	}
}

func (s *Service) fault(ctx context.Context, eventID, detail string) {
	s.Logger.LogConsistencyFault(eventID, detail)
	if s.Alerts == nil {
		return
	}
	if err := s.Alerts.ConsistencyFault(ctx, eventID, detail); err != nil {
		s.Logger.Error("REGISTRATION", fmt.Sprintf("alert for %s not sent: %v", eventID, err))
	}
}

// retryRead retries transient read failures with a linear backoff. Errors
// matching one of permanent are returned at once.
func retryRead[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error), permanent ...error) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt <= s.ReadRetries; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		for _, p := range permanent {
			if errors.Is(err, p) {
				return zero, err
			}
		}
		if ctx.Err() != nil || attempt == s.ReadRetries {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(s.ReadRetryBackoff * time.Duration(attempt+1)):
		}
	}
	return zero, err
}
