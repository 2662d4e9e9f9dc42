package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"voebot/internal/schedule"
	logx "voebot/pkg/logx"
)

const (
	badgerSchedulePrefix   = "schedule/"
	badgerSubscriberPrefix = "subscriber/"
)

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	log.Debug("badger store opened", logx.String("path", path))
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) Close() error { return s.db.Close() }

func (s *badgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return ErrDisabled
	}
	return nil
}

func scheduleKey(k schedule.Key) []byte { return []byte(badgerSchedulePrefix + k.String()) }

func subscriberKey(id int64) []byte {
	return []byte(badgerSubscriberPrefix + strconv.FormatInt(id, 10))
}

func (s *badgerStore) GetSchedule(_ context.Context, key schedule.Key) (schedule.Record, error) {
	var rec schedule.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(scheduleKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return schedule.Record{}, ErrNotFound
	}
	if err != nil {
		return schedule.Record{}, err
	}
	rec.Intervals = nonNilIntervals(rec.Intervals)
	return rec, nil
}

func (s *badgerStore) PutSchedule(_ context.Context, rec schedule.Record, expectedVersion int64) error {
	key := scheduleKey(rec.Key)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expectedVersion != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			var cur schedule.Record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cur) }); err != nil {
				return err
			}
			if cur.Version != expectedVersion {
				return ErrVersionConflict
			}
		}

		rec.Intervals = nonNilIntervals(rec.Intervals)
		rec.Version = expectedVersion + 1
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	// Two transactions racing on the same key: the loser sees ErrConflict.
	if errors.Is(err, badger.ErrConflict) {
		return ErrVersionConflict
	}
	return err
}

func (s *badgerStore) MarkNotified(_ context.Context, key schedule.Key, version int64) error {
	k := scheduleKey(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		var cur schedule.Record
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cur) }); err != nil {
			return err
		}
		if cur.Version != version {
			return ErrVersionConflict
		}
		cur.NotifyPending = false
		buf, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return txn.Set(k, buf)
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return ErrVersionConflict
	}
	return err
}

func (s *badgerStore) ListSchedules(ctx context.Context) ([]schedule.Record, error) {
	var out []schedule.Record
	err := s.scan(ctx, badgerSchedulePrefix, func(val []byte) error {
		var rec schedule.Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		rec.Intervals = nonNilIntervals(rec.Intervals)
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *badgerStore) UpsertSubscriber(_ context.Context, sub schedule.Subscriber) error {
	buf, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(subscriberKey(sub.UserID), buf)
	})
}

func (s *badgerStore) GetSubscriber(_ context.Context, userID int64) (schedule.Subscriber, error) {
	var sub schedule.Subscriber
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subscriberKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &sub) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return schedule.Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *badgerStore) ListSubscribers(ctx context.Context) ([]schedule.Subscriber, error) {
	var out []schedule.Subscriber
	err := s.scan(ctx, badgerSubscriberPrefix, func(val []byte) error {
		var sub schedule.Subscriber
		if err := json.Unmarshal(val, &sub); err != nil {
			return err
		}
		out = append(out, sub)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, err
}

func (s *badgerStore) scan(ctx context.Context, prefix string, fn func(val []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
