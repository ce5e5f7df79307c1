package catalog

import (
	"context"
	"database/sql"
	"errors"

	"ms-registration/internal/models"

	"github.com/uptrace/bun"
)

// DB reads the events table owned by the catalog service.
type DB struct {
	Bun *bun.DB
}

func (d *DB) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var ev models.Event
	err := d.Bun.NewSelect().
		Model(&ev).
		Where("id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// PublishedEventIDs lists events that can still change occupancy. It is
// used to audit the ledger at startup.
func (d *DB) PublishedEventIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.Bun.NewSelect().
		Model((*models.Event)(nil)).
		Column("id").
		Where("status = ?", models.EventStatusPublished).
		Scan(ctx, &ids)
	return ids, err
}
