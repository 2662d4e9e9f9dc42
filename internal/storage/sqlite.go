package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"voebot/internal/schedule"
	logx "voebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumn(ctx, "schedules", "notify_pending", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds column to tables created by an older schema.
func (s *sqliteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) GetSchedule(ctx context.Context, key schedule.Key) (schedule.Record, error) {
	if s == nil || s.db == nil {
		return schedule.Record{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT args, alias, intervals, last_updated_at, version, notify_pending FROM schedules WHERE args = ?`,
		key.String(),
	)
	rec, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) PutSchedule(ctx context.Context, rec schedule.Record, expectedVersion int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ivs, err := json.Marshal(nonNilIntervals(rec.Intervals))
	if err != nil {
		return err
	}
	args := rec.Key.String()
	at := formatTime(rec.LastUpdatedAt)

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO schedules(args, alias, intervals, last_updated_at, version, notify_pending)
			 VALUES(?,?,?,?,1,?)
			 ON CONFLICT(args) DO NOTHING`,
			args, rec.Alias, string(ivs), at, rec.NotifyPending,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET alias = ?, intervals = ?, last_updated_at = ?, version = version + 1,
			   notify_pending = ?
			 WHERE args = ? AND version = ?`,
			rec.Alias, string(ivs), at, rec.NotifyPending, args, expectedVersion,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, key schedule.Key, version int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET notify_pending = 0 WHERE args = ? AND version = ?`,
		key.String(), version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSchedule(ctx, key); err != nil {
		return err
	}
	return ErrVersionConflict
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]schedule.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT args, alias, intervals, last_updated_at, version, notify_pending FROM schedules ORDER BY args`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Record
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub schedule.Subscriber) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, subscription_args, alias, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   subscription_args = excluded.subscription_args,
		   alias = excluded.alias,
		   updated_at = excluded.updated_at`,
		sub.UserID, sub.SubscriptionArgs, sub.Alias, formatTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, userID int64) (schedule.Subscriber, error) {
	if s == nil || s.db == nil {
		return schedule.Subscriber{}, ErrDisabled
	}
	var sub schedule.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, subscription_args, alias FROM subscribers WHERE user_id = ?`, userID,
	).Scan(&sub.UserID, &sub.SubscriptionArgs, &sub.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]schedule.Subscriber, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, subscription_args, alias FROM subscribers ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Subscriber
	for rows.Next() {
		var sub schedule.Subscriber
		if err := rows.Scan(&sub.UserID, &sub.SubscriptionArgs, &sub.Alias); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Record, error) {
	var (
		args, alias, ivs, at string
		version              int64
		pending              bool
	)
	if err := r.Scan(&args, &alias, &ivs, &at, &version, &pending); err != nil {
		return schedule.Record{}, err
	}
	key, err := schedule.ParseKey(args)
	if err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %q: %w", args, err)
	}
	rec := schedule.Record{Key: key, Alias: alias, Version: version, NotifyPending: pending}
	if err := json.Unmarshal([]byte(ivs), &rec.Intervals); err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %q intervals: %w", args, err)
	}
	rec.Intervals = nonNilIntervals(rec.Intervals)
	if at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return schedule.Record{}, fmt.Errorf("schedule %q last_updated_at: %w", args, err)
		}
		rec.LastUpdatedAt = t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNilIntervals(in []schedule.Interval) []schedule.Interval {
	if in == nil {
		return []schedule.Interval{}
	}
	return in
}
