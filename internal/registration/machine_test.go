package registration_test

import (
	"net/http"
	"testing"
	"time"

	"ms-registration/internal/models"
	"ms-registration/internal/registration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_LegalTransitions(t *testing.T) {
	tests := []struct {
		from   models.RegistrationStatus
		action registration.Action
		to     models.RegistrationStatus
		delta  int
		kind   models.DomainEventKind
	}{
		{models.StatusPending, registration.ActionApprove, models.StatusApproved, 0, models.KindRegistrationApproved},
		{models.StatusPending, registration.ActionReject, models.StatusRejected, -1, models.KindRegistrationRejected},
		{models.StatusPending, registration.ActionCancel, models.StatusCancelled, -1, models.KindRegistrationCancelled},
		{models.StatusApproved, registration.ActionCancel, models.StatusCancelled, -1, models.KindRegistrationCancelled},
		{models.StatusApproved, registration.ActionMarkPresent, models.StatusAttended, 0, models.KindAttendanceMarked},
		{models.StatusApproved, registration.ActionMarkAbsent, models.StatusAbsent, -1, models.KindAttendanceMarked},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			tr, err := registration.Next(tt.from, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.to, tr.To)
			assert.Equal(t, tt.delta, tr.CapacityDelta)
			assert.Equal(t, tt.kind, tr.Kind)
			assert.Equal(t, tt.delta < 0, tr.Releases())
			// a slot is released exactly when the status stops holding one
			assert.Equal(t, tt.from.HoldsCapacity() && !tt.to.HoldsCapacity(), tr.Releases())
		})
	}
}

func TestNext_IllegalTransitions(t *testing.T) {
	statuses := []models.RegistrationStatus{
		models.StatusPending, models.StatusApproved, models.StatusRejected,
		models.StatusCancelled, models.StatusAttended, models.StatusAbsent,
	}
	actions := []registration.Action{
		registration.ActionApprove, registration.ActionReject, registration.ActionCancel,
		registration.ActionMarkPresent, registration.ActionMarkAbsent,
	}

	legal := 0
	for _, from := range statuses {
		for _, action := range actions {
			_, err := registration.Next(from, action)
			if err == nil {
				legal++
				continue
			}
			assert.ErrorIs(t, err, registration.ErrInvalidTransition)
		}
	}
	for _, from := range statuses {
		if !from.Terminal() {
			continue
		}
		for _, action := range actions {
			_, err := registration.Next(from, action)
			assert.Error(t, err, "terminal %s must not accept %s", from, action)
		}
	}
	assert.Equal(t, 6, legal)
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, models.StatusPending, registration.InitialStatus(true))
	assert.Equal(t, models.StatusApproved, registration.InitialStatus(false))
}

func TestEligible(t *testing.T) {
	caller := models.CallerAttributes{UserID: "u", Role: models.RoleStudent, DepartmentID: "cs", Year: 2}

	assert.True(t, registration.Eligible(models.EligibilityRules{}, caller))
	assert.True(t, registration.Eligible(models.EligibilityRules{Roles: []string{"student"}, Years: []int{1, 2}}, caller))
	assert.False(t, registration.Eligible(models.EligibilityRules{Departments: []string{"ee"}}, caller))
	assert.False(t, registration.Eligible(models.EligibilityRules{Years: []int{4}}, caller))
	assert.False(t, registration.Eligible(models.EligibilityRules{Roles: []string{"staff"}}, caller))
}

func TestAuthority(t *testing.T) {
	ev := &models.Event{ID: "e", OrganizerID: "org", CoOrganizerIDs: []string{"co"}}
	reg := &models.Registration{UserID: "owner"}

	org := models.CallerAttributes{UserID: "org"}
	co := models.CallerAttributes{UserID: "co"}
	admin := models.CallerAttributes{UserID: "a", Role: models.RoleAdmin}
	staff := models.CallerAttributes{UserID: "s", Role: models.RoleStaff}
	owner := models.CallerAttributes{UserID: "owner", Role: models.RoleStudent}
	anon := models.CallerAttributes{}

	for _, a := range []models.CallerAttributes{org, co, admin} {
		assert.True(t, registration.CanDecide(ev, a))
		assert.True(t, registration.CanMarkAttendance(ev, a))
		assert.True(t, registration.CanCancel(ev, reg, a))
	}
	assert.False(t, registration.CanDecide(ev, staff))
	assert.True(t, registration.CanMarkAttendance(ev, staff))
	assert.False(t, registration.CanCancel(ev, reg, staff))

	assert.True(t, registration.CanCancel(ev, reg, owner))
	assert.False(t, registration.CanDecide(ev, owner))
	assert.True(t, registration.CanView(ev, reg, owner))

	assert.False(t, registration.CanDecide(ev, anon))
	assert.False(t, registration.CanCancel(ev, &models.Registration{}, anon))
}

func TestErrorMapping(t *testing.T) {
	assert.Equal(t, http.StatusConflict, registration.CodeEventFull.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, registration.CodeNotEligible.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, registration.CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, registration.CodeConsistencyFault.HTTPStatus())

	fault := &registration.Error{Code: registration.CodeConsistencyFault, Message: "ledger at -1 for evt"}
	assert.NotContains(t, fault.UserMessage(), "ledger")
	assert.Equal(t, registration.CodeConsistencyFault, registration.CodeOf(fault))

	_, err := registration.Next(models.StatusCancelled, registration.ActionReject)
	var typed *registration.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "a cancelled registration cannot be rejected; refresh and try again", typed.UserMessage())

	closed := &registration.Error{Code: registration.CodeDeadlinePassed, Metadata: map[string]string{"deadline": time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)}}
	assert.Equal(t, "registration closed at 2026-01-02T03:04:05Z", closed.UserMessage())
}
