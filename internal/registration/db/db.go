package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ms-registration/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

var (
	ErrNotFound        = errors.New("registration not found")
	ErrDuplicate       = errors.New("active registration already exists")
	ErrVersionConflict = errors.New("registration was modified concurrently")
)

type DB struct {
	Bun *bun.DB
}

// ---------------- REGISTRATIONS ----------------

// Create inserts a new registration. A second active row for the same
// (user, event) pair is refused by the partial unique index.
func (d *DB) Create(ctx context.Context, reg *models.Registration) error {
	_, err := d.Bun.NewInsert().Model(reg).Exec(ctx)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByID → fetch one registration by its ID
func (d *DB) GetByID(ctx context.Context, id string) (*models.Registration, error) {
	var reg models.Registration
	err := d.Bun.NewSelect().
		Model(&reg).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindActive returns the non-terminal registration of a user for an event,
// or nil when there is none.
func (d *DB) FindActive(ctx context.Context, userID, eventID string) (*models.Registration, error) {
	var reg models.Registration
	err := d.Bun.NewSelect().
		Model(&reg).
		Where("user_id = ?", userID).
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In([]models.RegistrationStatus{models.StatusPending, models.StatusApproved})).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// ListForEvent returns registrations of an event, oldest first. An empty
// status lists all of them.
func (d *DB) ListForEvent(ctx context.Context, eventID string, status models.RegistrationStatus) ([]models.Registration, error) {
	regs := make([]models.Registration, 0)
	q := d.Bun.NewSelect().
		Model(&regs).
		Where("event_id = ?", eventID).
		Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return regs, nil
}

// UpdateStatus writes the transition fields only if the row still carries
// the version the caller read. On success reg.Version is bumped.
func (d *DB) UpdateStatus(ctx context.Context, reg *models.Registration) error {
	expected := reg.Version
	reg.Version = expected + 1
	reg.UpdatedAt = time.Now().UTC()

	res, err := d.Bun.NewUpdate().
		Model(reg).
		Column("status", "reason", "version", "updated_at", "decided_at", "decided_by", "attendance_marked_at").
		Where("id = ?", reg.ID).
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		reg.Version = expected
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		reg.Version = expected
		return err
	}
	if n == 0 {
		reg.Version = expected
		return ErrVersionConflict
	}
	return nil
}

// CountHolding counts rows in a capacity-holding status. It is only used to
// audit the ledger, never to admit.
func (d *DB) CountHolding(ctx context.Context, eventID string) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Registration)(nil)).
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In([]models.RegistrationStatus{models.StatusPending, models.StatusApproved, models.StatusAttended})).
		Count(ctx)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
