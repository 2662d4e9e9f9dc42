package updater

import (
	"context"
	"errors"
	"fmt"

	"voebot/internal/schedule"
	"voebot/internal/storage"
)

// Lookup returns the stored schedule of key, or a live one (version 0, not
// persisted) when the address has never been synced.
func (p *Processor) Lookup(ctx context.Context, key schedule.Key) (schedule.Record, error) {
	if key.IsZero() {
		return schedule.Record{}, schedule.ErrInvalidKey
	}
	rec, err := p.store.GetSchedule(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return schedule.Record{}, fmt.Errorf("load schedule %s: %w", key, err)
	}
	intervals, err := p.Load(ctx, key)
	if err != nil {
		return schedule.Record{}, err
	}
	return schedule.Record{
		Key:           key,
		Alias:         key.String(),
		Intervals:     intervals,
		LastUpdatedAt: p.opts.Now().UTC(),
	}, nil
}
