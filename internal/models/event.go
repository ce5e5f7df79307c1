package models

import (
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// ErrEventNotFound is returned by catalog readers for unknown event ids.
var ErrEventNotFound = errors.New("event not found")

type EventStatus string

const (
	EventStatusDraft     EventStatus = "draft"
	EventStatusPublished EventStatus = "published"
	EventStatusClosed    EventStatus = "closed"
	EventStatusCancelled EventStatus = "cancelled"
)

// EligibilityRules restricts who may register. An empty list admits anyone.
type EligibilityRules struct {
	Roles       []string `json:"roles,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Years       []int    `json:"years,omitempty"`
}

// Event is the catalog view of a campus event. The registration core only
// reads it; publishing and editing happen in the catalog service.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID                   string           `bun:"id,pk" json:"id"`
	Title                string           `bun:"title,notnull" json:"title"`
	Status               EventStatus      `bun:"status,notnull" json:"status"`
	MaxCapacity          int              `bun:"max_capacity,notnull" json:"max_capacity"`
	RegistrationDeadline time.Time        `bun:"registration_deadline,notnull" json:"registration_deadline"`
	ApprovalRequired     bool             `bun:"approval_required,notnull,default:false" json:"approval_required"`
	OrganizerID          string           `bun:"organizer_id,notnull" json:"organizer_id"`
	CoOrganizerIDs       []string         `bun:"co_organizer_ids" json:"co_organizer_ids"`
	Eligibility          EligibilityRules `bun:"eligibility" json:"eligibility"`
	CreatedAt            time.Time        `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// EventCapacity is the ledger row holding the occupied slot count of one
// event. Only the capacity ledger writes to it.
type EventCapacity struct {
	bun.BaseModel `bun:"table:event_capacity"`

	EventID       string    `bun:"event_id,pk"`
	OccupiedCount int       `bun:"occupied_count,notnull,default:0"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero"`
}

// Occupancy is the derived availability view of an event, computed on read.
type Occupancy struct {
	EventID              string    `json:"event_id"`
	Occupied             int       `json:"occupied"`
	MaxCapacity          int       `json:"max_capacity"`
	Available            int       `json:"available"`
	IsFull               bool      `json:"is_full"`
	RegistrationDeadline time.Time `json:"registration_deadline"`
	Admitting            bool      `json:"admitting"`
}

func NewOccupancy(ev *Event, occupied int, now time.Time) Occupancy {
	available := ev.MaxCapacity - occupied
	if available < 0 {
		available = 0
	}
	return Occupancy{
		EventID:              ev.ID,
		Occupied:             occupied,
		MaxCapacity:          ev.MaxCapacity,
		Available:            available,
		IsFull:               occupied >= ev.MaxCapacity,
		RegistrationDeadline: ev.RegistrationDeadline,
		Admitting:            ev.Status == EventStatusPublished && now.Before(ev.RegistrationDeadline),
	}
}

// IsCoOrganizer reports whether userID is listed as a co-organizer.
func (e *Event) IsCoOrganizer(userID string) bool {
	for _, id := range e.CoOrganizerIDs {
		if id == userID {
			return true
		}
	}
	return false
}
