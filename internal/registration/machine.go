package registration

import "ms-registration/internal/models"

// Action is a requested change to an existing registration.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionCancel      Action = "cancel"
	ActionMarkPresent Action = "mark_present"
	ActionMarkAbsent  Action = "mark_absent"
)

func (a Action) pastTense() string {
	switch a {
	case ActionApprove:
		return "approved"
	case ActionReject:
		return "rejected"
	case ActionCancel:
		return "cancelled"
	case ActionMarkPresent:
		return "marked present"
	case ActionMarkAbsent:
		return "marked absent"
	}
	return string(a)
}

// Transition is the outcome of applying an Action. CapacityDelta is 0 or -1
// and is the only input callers use to decide whether to release a slot.
type Transition struct {
	From          models.RegistrationStatus
	To            models.RegistrationStatus
	Action        Action
	CapacityDelta int
	Kind          models.DomainEventKind
}

// Releases reports whether the transition gives back exactly one slot.
func (t Transition) Releases() bool {
	return t.CapacityDelta < 0
}

type edge struct {
	from   models.RegistrationStatus
	action Action
}

var transitions = map[edge]Transition{
	{models.StatusPending, ActionApprove}: {
		To: models.StatusApproved, CapacityDelta: 0, Kind: models.KindRegistrationApproved,
	},
	{models.StatusPending, ActionReject}: {
		To: models.StatusRejected, CapacityDelta: -1, Kind: models.KindRegistrationRejected,
	},
	{models.StatusPending, ActionCancel}: {
		To: models.StatusCancelled, CapacityDelta: -1, Kind: models.KindRegistrationCancelled,
	},
	{models.StatusApproved, ActionCancel}: {
		To: models.StatusCancelled, CapacityDelta: -1, Kind: models.KindRegistrationCancelled,
	},
	{models.StatusApproved, ActionMarkPresent}: {
		To: models.StatusAttended, CapacityDelta: 0, Kind: models.KindAttendanceMarked,
	},
	{models.StatusApproved, ActionMarkAbsent}: {
		To: models.StatusAbsent, CapacityDelta: -1, Kind: models.KindAttendanceMarked,
	},
}

// InitialStatus is the status a freshly admitted registration starts in.
func InitialStatus(approvalRequired bool) models.RegistrationStatus {
	if approvalRequired {
		return models.StatusPending
	}
	return models.StatusApproved
}

// Next returns the transition for action from status, or an
// INVALID_TRANSITION error. It performs no I/O.
func Next(from models.RegistrationStatus, action Action) (Transition, error) {
	t, ok := transitions[edge{from, action}]
	if !ok {
		return Transition{}, invalidTransition(string(from), action)
	}
	t.From = from
	t.Action = action
	return t, nil
}

// DecisionAction maps an approve/reject decision onto its Action.
func DecisionAction(approved bool) Action {
	if approved {
		return ActionApprove
	}
	return ActionReject
}

// AttendanceAction maps a present/absent mark onto its Action.
func AttendanceAction(present bool) Action {
	if present {
		return ActionMarkPresent
	}
	return ActionMarkAbsent
}
