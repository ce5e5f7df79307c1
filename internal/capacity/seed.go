package capacity

import (
	"context"
	"fmt"
)

// Seeder writes a starting count for an event that has no ledger entry yet.
// It reports false when an entry already existed and was left untouched.
type Seeder interface {
	Seed(ctx context.Context, eventID string, count int) (bool, error)
}

// HoldingSource counts the capacity-holding registrations of an event.
type HoldingSource interface {
	CountHolding(ctx context.Context, eventID string) (int, error)
}

// Rebuild seeds each listed event from its stored registrations and returns
// how many entries were written. Existing entries keep their live counts.
func Rebuild(ctx context.Context, seeder Seeder, rows HoldingSource, eventIDs []string) (int, error) {
	seeded := 0
	for _, id := range eventIDs {
		n, err := rows.CountHolding(ctx, id)
		if err != nil {
			return seeded, fmt.Errorf("count holding for %s: %w", id, err)
		}
		ok, err := seeder.Seed(ctx, id, n)
		if err != nil {
			return seeded, fmt.Errorf("seed %s: %w", id, err)
		}
		if ok {
			seeded++
		}
	}
	return seeded, nil
}
