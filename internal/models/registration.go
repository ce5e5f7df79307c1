package models

import (
	"time"

	"github.com/uptrace/bun"
)

type RegistrationStatus string

const (
	StatusPending   RegistrationStatus = "pending"
	StatusApproved  RegistrationStatus = "approved"
	StatusRejected  RegistrationStatus = "rejected"
	StatusCancelled RegistrationStatus = "cancelled"
	StatusAttended  RegistrationStatus = "attended"
	StatusAbsent    RegistrationStatus = "absent"
)

// Terminal reports whether no further transition can leave this status.
func (s RegistrationStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusAttended, StatusAbsent:
		return true
	}
	return false
}

// HoldsCapacity reports whether a registration in this status occupies a slot.
func (s RegistrationStatus) HoldsCapacity() bool {
	switch s {
	case StatusPending, StatusApproved, StatusAttended:
		return true
	}
	return false
}

func (s RegistrationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusAttended, StatusAbsent:
		return true
	}
	return false
}

type Registration struct {
	bun.BaseModel `bun:"table:registrations"`

	ID                 string             `bun:"id,pk" json:"id"`
	UserID             string             `bun:"user_id,notnull" json:"user_id"`
	EventID            string             `bun:"event_id,notnull" json:"event_id"`
	Status             RegistrationStatus `bun:"status,notnull" json:"status"`
	Preferences        map[string]any     `bun:"preferences" json:"preferences,omitempty"`
	Reason             string             `bun:"reason,nullzero" json:"reason,omitempty"`
	PaymentStatus      string             `bun:"payment_status,nullzero" json:"payment_status,omitempty"`
	Version            int64              `bun:"version,notnull,default:1" json:"version"`
	CreatedAt          time.Time          `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time          `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
	DecidedAt          *time.Time         `bun:"decided_at" json:"decided_at,omitempty"`
	DecidedBy          *string            `bun:"decided_by" json:"decided_by,omitempty"`
	AttendanceMarkedAt *time.Time         `bun:"attendance_marked_at" json:"attendance_marked_at,omitempty"`
}

// CapacityHeld is derived from Status and never stored.
func (r *Registration) CapacityHeld() bool {
	return r.Status.HoldsCapacity()
}

type RegistrationRequest struct {
	Preferences map[string]any `json:"preferences,omitempty"`
}

type DecisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type AttendanceRequest struct {
	Present bool `json:"present"`
}

type ScanRequest struct {
	Pass string `json:"pass"`
}
