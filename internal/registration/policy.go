package registration

import (
	"slices"

	"ms-registration/internal/models"
)

// Approval is the outcome of the approval workflow for an event.
type Approval struct {
	ApprovalRequired bool
}

// Evaluate is fixed by the event's published configuration and is never
// recomputed per caller.
func Evaluate(ev *models.Event) Approval {
	return Approval{ApprovalRequired: ev.ApprovalRequired}
}

// Eligible reports whether the caller satisfies every non-empty rule list.
func Eligible(rules models.EligibilityRules, caller models.CallerAttributes) bool {
	if len(rules.Roles) > 0 && !slices.Contains(rules.Roles, caller.Role) {
		return false
	}
	if len(rules.Departments) > 0 && !slices.Contains(rules.Departments, caller.DepartmentID) {
		return false
	}
	if len(rules.Years) > 0 && !slices.Contains(rules.Years, caller.Year) {
		return false
	}
	return true
}

// CanDecide: organizer, co-organizer or admin override.
func CanDecide(ev *models.Event, actor models.CallerAttributes) bool {
	if actor.UserID == "" {
		return false
	}
	return actor.UserID == ev.OrganizerID || ev.IsCoOrganizer(actor.UserID) || actor.Role == models.RoleAdmin
}

// CanMarkAttendance extends decide authority to campus staff running the door.
func CanMarkAttendance(ev *models.Event, actor models.CallerAttributes) bool {
	return CanDecide(ev, actor) || actor.Role == models.RoleStaff
}

// CanCancel: the registrant, or anyone with decide authority.
func CanCancel(ev *models.Event, reg *models.Registration, actor models.CallerAttributes) bool {
	if actor.UserID != "" && actor.UserID == reg.UserID {
		return true
	}
	return CanDecide(ev, actor)
}

// CanView allows the registrant and anyone with attendance authority.
func CanView(ev *models.Event, reg *models.Registration, actor models.CallerAttributes) bool {
	if actor.UserID != "" && actor.UserID == reg.UserID {
		return true
	}
	return CanMarkAttendance(ev, actor)
}
