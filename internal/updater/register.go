package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voebot/internal/schedule"
	"voebot/internal/storage"
	logx "voebot/pkg/logx"
)

// Register subscribes userID to key. The first registration of an address
// fetches its schedule right away and stores it as version 1. The user is
// sent the current schedule either way.
func (p *Processor) Register(ctx context.Context, key schedule.Key, alias string, userID int64) (schedule.Record, error) {
	if key.IsZero() {
		return schedule.Record{}, schedule.ErrInvalidKey
	}
	alias = strings.TrimSpace(alias)
	if err := p.store.UpsertSubscriber(ctx, schedule.Subscriber{
		UserID:           userID,
		SubscriptionArgs: key.String(),
		Alias:            alias,
	}); err != nil {
		return schedule.Record{}, fmt.Errorf("save subscriber %d: %w", userID, err)
	}

	rec, err := p.store.GetSchedule(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		rec, err = p.create(ctx, key, alias)
		if err != nil {
			return schedule.Record{}, err
		}
	default:
		return schedule.Record{}, fmt.Errorf("load schedule %s: %w", key, err)
	}

	if _, err := p.notes.Enqueue(ctx, notificationFor(rec, userID)); err != nil {
		return rec, fmt.Errorf("enqueue notification for %d: %w", userID, err)
	}
	p.log.Info("subscriber registered",
		logx.Int64("user_id", userID),
		logx.String("args", key.String()),
		logx.Int("intervals", len(rec.Intervals)),
	)
	return rec, nil
}

func (p *Processor) create(ctx context.Context, key schedule.Key, alias string) (schedule.Record, error) {
	intervals, err := p.Load(ctx, key)
	if err != nil {
		return schedule.Record{}, err
	}
	if alias == "" {
		alias = key.String()
	}
	rec := schedule.Record{
		Key:           key,
		Alias:         alias,
		Intervals:     intervals,
		LastUpdatedAt: p.opts.Now().UTC(),
		Version:       1,
	}
	err = p.store.PutSchedule(ctx, rec, 0)
	if errors.Is(err, storage.ErrVersionConflict) {
		// Created concurrently; serve what the other writer stored.
		return p.store.GetSchedule(ctx, key)
	}
	if err != nil {
		return schedule.Record{}, &PersistError{Key: key, Err: err}
	}
	return rec, nil
}
