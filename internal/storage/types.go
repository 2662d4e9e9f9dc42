package storage

import (
	"context"
	"errors"
	"time"

	"voebot/internal/schedule"
)

var (
	ErrDisabled        = errors.New("storage disabled")
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("schedule version conflict")
)

// Config configures storage.
//
// If Driver is empty it defaults to "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleStore holds one Record per address key.
type ScheduleStore interface {
	// GetSchedule returns ErrNotFound when the key has no record.
	GetSchedule(ctx context.Context, key schedule.Key) (schedule.Record, error)
	// PutSchedule replaces the record if the stored version equals
	// expectedVersion (0 means "must not exist") and stores it with version
	// expectedVersion+1. Otherwise it returns ErrVersionConflict.
	PutSchedule(ctx context.Context, rec schedule.Record, expectedVersion int64) error
	// MarkNotified clears NotifyPending of the record stored at version
	// without bumping it. It returns ErrVersionConflict if the record has
	// moved on and ErrNotFound if there is none.
	MarkNotified(ctx context.Context, key schedule.Key, version int64) error
	ListSchedules(ctx context.Context) ([]schedule.Record, error)
}

// SubscriberStore holds chat users and their subscription args.
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, sub schedule.Subscriber) error
	// GetSubscriber returns ErrNotFound for unknown users.
	GetSubscriber(ctx context.Context, userID int64) (schedule.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]schedule.Subscriber, error)
}

// Store is the persistence API used by the pipeline.
type Store interface {
	ScheduleStore
	SubscriberStore
	Ping(ctx context.Context) error
	Close() error
}
