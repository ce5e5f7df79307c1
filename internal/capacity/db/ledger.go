package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-registration/internal/models"

	"github.com/uptrace/bun"
)

// DB is the SQL-backed capacity counter. Every mutation is a single
// conditional UPDATE on event_capacity, so the row lock taken by the store
// is the per-event critical section.
type DB struct {
	Bun *bun.DB
}

func (d *DB) ensureRow(ctx context.Context, eventID string) error {
	_, err := d.Bun.NewInsert().
		Model(&models.EventCapacity{EventID: eventID, UpdatedAt: time.Now().UTC()}).
		On("CONFLICT (event_id) DO NOTHING").
		Exec(ctx)
	return err
}

// Increment adds amount only while occupied_count + amount <= max.
func (d *DB) Increment(ctx context.Context, eventID string, amount, max int) (bool, int, error) {
	if err := d.ensureRow(ctx, eventID); err != nil {
		return false, 0, err
	}

	var count int
	err := d.Bun.NewUpdate().
		Model((*models.EventCapacity)(nil)).
		Set("occupied_count = occupied_count + ?", amount).
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Where("occupied_count + ? <= ?", amount, max).
		Returning("occupied_count").
		Scan(ctx, &count)
	if errors.Is(err, sql.ErrNoRows) {
		current, cerr := d.Count(ctx, eventID)
		return false, current, cerr
	}
	if err != nil {
		return false, 0, err
	}
	return true, count, nil
}

// floorAttempts bounds how often Decrement retries when a concurrent
// Increment lifts the count between its two statements.
const floorAttempts = 3

var errFloorContention = errors.New("capacity row kept changing during release")

// Decrement subtracts amount only while the result stays non-negative.
// Otherwise the row is floored to zero and a breach is reported.
func (d *DB) Decrement(ctx context.Context, eventID string, amount int) (int, bool, error) {
	for attempt := 0; attempt < floorAttempts; attempt++ {
		var count int
		err := d.Bun.NewUpdate().
			Model((*models.EventCapacity)(nil)).
			Set("occupied_count = occupied_count - ?", amount).
			Set("updated_at = ?", time.Now().UTC()).
			Where("event_id = ?", eventID).
			Where("occupied_count >= ?", amount).
			Returning("occupied_count").
			Scan(ctx, &count)
		if err == nil {
			return count, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, err
		}

		if err := d.ensureRow(ctx, eventID); err != nil {
			return 0, true, err
		}
		floored, err := d.floor(ctx, eventID, amount)
		if err != nil {
			return 0, true, err
		}
		if floored {
			return 0, true, nil
		}
	}
	return 0, false, errFloorContention
}

// floor clamps the row to zero only while it is still below amount, so an
// Increment that landed after the failed decrement is kept.
func (d *DB) floor(ctx context.Context, eventID string, amount int) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.EventCapacity)(nil)).
		Set("occupied_count = 0").
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Where("occupied_count < ?", amount).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *DB) Count(ctx context.Context, eventID string) (int, error) {
	var count int
	err := d.Bun.NewSelect().
		Model((*models.EventCapacity)(nil)).
		Column("occupied_count").
		Where("event_id = ?", eventID).
		Limit(1).
		Scan(ctx, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}
