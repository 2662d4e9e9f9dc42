package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"voebot/internal/schedule"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu        sync.RWMutex
	schedules map[schedule.Key]schedule.Record
	subs      map[int64]schedule.Subscriber
}

func NewMemory() *Memory {
	return &Memory{
		schedules: map[schedule.Key]schedule.Record{},
		subs:      map[int64]schedule.Subscriber{},
	}
}

func (m *Memory) GetSchedule(_ context.Context, key schedule.Key) (schedule.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.schedules[key]
	if !ok {
		return schedule.Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) PutSchedule(_ context.Context, rec schedule.Record, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(rec, expectedVersion)
}

func (m *Memory) putLocked(rec schedule.Record, expectedVersion int64) error {
	cur, ok := m.schedules[rec.Key]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionConflict
	case ok && cur.Version != expectedVersion:
		return ErrVersionConflict
	}
	rec = cloneRecord(rec)
	rec.Version = expectedVersion + 1
	m.schedules[rec.Key] = rec
	return nil
}

func (m *Memory) MarkNotified(_ context.Context, key schedule.Key, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.markLocked(key, version)
	return err
}

func (m *Memory) markLocked(key schedule.Key, version int64) (schedule.Record, error) {
	cur, ok := m.schedules[key]
	switch {
	case !ok:
		return schedule.Record{}, ErrNotFound
	case cur.Version != version:
		return schedule.Record{}, ErrVersionConflict
	}
	prev := cur
	cur.NotifyPending = false
	m.schedules[key] = cur
	return prev, nil
}

func (m *Memory) ListSchedules(context.Context) ([]schedule.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schedule.Record, 0, len(m.schedules))
	for _, rec := range m.schedules {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (m *Memory) UpsertSubscriber(_ context.Context, sub schedule.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.UserID] = sub
	return nil
}

func (m *Memory) GetSubscriber(_ context.Context, userID int64) (schedule.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[userID]
	if !ok {
		return schedule.Subscriber{}, ErrNotFound
	}
	return sub, nil
}

func (m *Memory) ListSubscribers(context.Context) ([]schedule.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schedule.Subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error              { return nil }

func cloneRecord(rec schedule.Record) schedule.Record {
	rec.Intervals = nonNilIntervals(slices.Clone(rec.Intervals))
	return rec
}
