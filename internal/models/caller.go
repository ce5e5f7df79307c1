package models

import "github.com/uptrace/bun"

const (
	RoleStudent = "student"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// CallerAttributes are the identity facts eligibility and authority rules
// are evaluated against.
type CallerAttributes struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	DepartmentID string `json:"department_id"`
	Year         int    `json:"year"`
}

// CampusUser is the read-only projection of the identity service's users.
type CampusUser struct {
	bun.BaseModel `bun:"table:campus_users"`

	ID           string `bun:"id,pk"`
	Role         string `bun:"role,notnull"`
	DepartmentID string `bun:"department_id,nullzero"`
	Year         int    `bun:"year,nullzero"`
}

func (u *CampusUser) Attributes() CallerAttributes {
	return CallerAttributes{
		UserID:       u.ID,
		Role:         u.Role,
		DepartmentID: u.DepartmentID,
		Year:         u.Year,
	}
}

// PassClaims is the payload sealed into an attendance pass QR code.
type PassClaims struct {
	RegistrationID string `json:"rid"`
	EventID        string `json:"eid"`
	UserID         string `json:"uid"`
	IssuedAt       int64  `json:"iat"`
}
