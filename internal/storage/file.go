package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"voebot/internal/schedule"
	logx "voebot/pkg/logx"
)

// fileStore keeps state in memory and rewrites a JSON snapshot after
// every successful write. The snapshot is replaced atomically, so a crash
// leaves either the old or the new file.
type fileStore struct {
	*Memory
	path string
	log  logx.Logger
}

type fileSnapshot struct {
	Schedules   []schedule.Record     `json:"schedules"`
	Subscribers []schedule.Subscriber `json:"subscribers"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{Memory: NewMemory(), path: path, log: log}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, rec := range snap.Schedules {
		s.schedules[rec.Key] = cloneRecord(rec)
	}
	for _, sub := range snap.Subscribers {
		s.subs[sub.UserID] = sub
	}
	s.log.Debug("file store loaded",
		logx.String("path", s.path),
		logx.Int("schedules", len(snap.Schedules)),
		logx.Int("subscribers", len(snap.Subscribers)),
	)
	return nil
}

func (s *fileStore) PutSchedule(_ context.Context, rec schedule.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.schedules[rec.Key]
	if err := s.putLocked(rec, expectedVersion); err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		if had {
			s.schedules[rec.Key] = prev
		} else {
			delete(s.schedules, rec.Key)
		}
		return err
	}
	return nil
}

func (s *fileStore) MarkNotified(_ context.Context, key schedule.Key, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.markLocked(key, version)
	if err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		s.schedules[key] = prev
		return err
	}
	return nil
}

func (s *fileStore) UpsertSubscriber(_ context.Context, sub schedule.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.subs[sub.UserID]
	s.subs[sub.UserID] = sub
	if err := s.flushLocked(); err != nil {
		if had {
			s.subs[sub.UserID] = prev
		} else {
			delete(s.subs, sub.UserID)
		}
		return err
	}
	return nil
}

func (s *fileStore) flushLocked() error {
	snap := fileSnapshot{
		Schedules:   make([]schedule.Record, 0, len(s.schedules)),
		Subscribers: make([]schedule.Subscriber, 0, len(s.subs)),
	}
	for _, rec := range s.schedules {
		snap.Schedules = append(snap.Schedules, rec)
	}
	for _, sub := range s.subs {
		snap.Subscribers = append(snap.Subscribers, sub)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	pf, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o600))
	if err != nil {
		return err
	}
	defer func() { _ = pf.Cleanup() }()
	if _, err := pf.Write(b); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}
