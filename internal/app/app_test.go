package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voebot/internal/config"
	"voebot/internal/schedule"
)

// fakeBotAPI answers sendMessage like the Bot API does.
func fakeBotAPI(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var sent atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			sent.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &sent
}

func writeConfig(t *testing.T, apiURL, storage string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{
  "telegram": {"token": "123:abc", "api_url": %q},
  "logging": {"level": "error", "console": false},
  "queue": {"driver": "memory"},
  "scheduler": {"enabled": false},
  "storage": %s
}`, apiURL, storage)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr string
	}{
		{name: "sqlite default busy", in: config.StorageConfig{Path: "x.db"}, driver: "sqlite", busy: time.Second},
		{name: "sqlite custom busy", in: config.StorageConfig{Driver: "SQLite3", Path: "x.db", BusyTimeout: "3s"}, driver: "sqlite", busy: 3 * time.Second},
		{name: "sqlite without path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: "storage.path is required"},
		{name: "badger", in: config.StorageConfig{Driver: "badger", Path: "data"}, driver: "badger"},
		{name: "file without path", in: config.StorageConfig{Driver: "file"}, wantErr: "storage.path is required"},
		{name: "memory", in: config.StorageConfig{Driver: "memory"}, driver: "memory"},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo", Path: "x"}, wantErr: "unknown storage.driver"},
		{name: "bad busy", in: config.StorageConfig{Path: "x.db", BusyTimeout: "soon"}, wantErr: "storage.busy_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.driver, got.Driver)
			require.Equal(t, tc.busy, got.BusyTimeout)
		})
	}
}

func TestMapQueueSettings(t *testing.T) {
	t.Parallel()
	qs, err := mapQueueSettings(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, "memory", qs.Driver)
	require.Equal(t, 90*time.Second, qs.HandlerTimeout)
	require.Equal(t, 2*time.Minute, qs.Visibility)
	require.Equal(t, 2*time.Second, qs.Wait)
	require.Equal(t, 2, qs.Update.Workers)
	require.Equal(t, 4, qs.Notification.Workers)
	require.True(t, qs.Update.Policy.Jitter)

	cfg := &config.Config{Queue: config.QueueConfig{
		Driver:       "Redis",
		Redis:        config.RedisQueue{Addr: "127.0.0.1:6379", Prefix: "t"},
		Notification: config.QueueStage{Workers: 9, MaxReceives: 5, RetryBase: "2s"},
	}}
	qs, err = mapQueueSettings(cfg)
	require.NoError(t, err)
	require.Equal(t, "redis", qs.Driver)
	require.Equal(t, "t", qs.Redis.Prefix)
	require.Equal(t, 9, qs.Notification.Workers)
	require.Equal(t, 5, qs.Notification.Policy.MaxReceives)
	require.Equal(t, 2*time.Second, qs.Notification.Policy.Base)

	// A slow source stretches the derived deadlines past the defaults.
	cfg.Source = config.SourceConfig{Timeout: "40s", FetchAttempts: 3, FetchBackoff: "2s"}
	qs, err = mapQueueSettings(cfg)
	require.NoError(t, err)
	require.Equal(t, 141*time.Second, qs.HandlerTimeout)
	require.Equal(t, 156*time.Second, qs.Visibility)

	cfg.Queue.HandlerTimeout = "45s"
	_, err = mapQueueSettings(cfg)
	require.ErrorContains(t, err, "queue.handler_timeout")

	cfg.Queue.HandlerTimeout = ""
	cfg.Queue.Update.RetryMaxDelay = "never"
	_, err = mapQueueSettings(cfg)
	require.ErrorContains(t, err, "queue.update.retry_max_delay")
}

func TestMapEngineAndSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}
	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	require.True(t, ec.Enabled)
	require.Equal(t, 1, ec.RetryMax)
	require.Equal(t, defaultSyncSchedule, syncSchedule(cfg))

	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 3, RetryMax: 4, DefaultTimeout: "90s"}
	cfg.Scheduler.SyncSchedule = " every 15m "
	ec, err = mapEngineConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 3, ec.Workers)
	require.Equal(t, 4, ec.RetryMax)
	require.Equal(t, 90*time.Second, ec.DefaultTimeout)
	require.Equal(t, "every 15m", syncSchedule(cfg))
}

func TestMapLoggingNeedsGroupLog(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Logging: config.LoggingConfig{Telegram: config.LoggingTelegram{Enabled: true}}}
	require.False(t, mapLoggingConfig(cfg).Telegram.Enabled)

	cfg.Telegram.GroupLog = "-100123"
	lc := mapLoggingConfig(cfg)
	require.True(t, lc.Telegram.Enabled)
	require.Equal(t, int64(-100123), lc.Telegram.ChatID)
}

func TestOpenPreviewAndSubscribe(t *testing.T) {
	t.Parallel()
	api, sent := fakeBotAPI(t)
	ctx := context.Background()

	a, err := Open(ctx, writeConfig(t, api.URL, `{"driver": "memory"}`))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	intervals, err := a.Preview(ctx, schedule.DemoKey)
	require.NoError(t, err)
	require.NotEmpty(t, intervals)

	_, err = a.Preview(ctx, schedule.Key{})
	require.ErrorIs(t, err, schedule.ErrInvalidKey)

	_, err = a.Subscribe(ctx, schedule.DemoKey, "home", 0)
	require.Error(t, err)

	rec, err := a.Subscribe(ctx, schedule.DemoKey, "home", 42)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, "home", rec.Alias)
	require.Equal(t, int64(1), sent.Load(), "memory queues deliver inline outside the daemon")

	res, err := a.Sync(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, res.Direct)
	require.Zero(t, res.Direct.Failed)
	require.Equal(t, 1, res.Direct.Changed+res.Direct.Unchanged)
}

func TestOneShotCommandsRefuseMemoryQueues(t *testing.T) {
	t.Parallel()
	api, _ := fakeBotAPI(t)
	ctx := context.Background()

	a, err := Open(ctx, writeConfig(t, api.URL, `{"driver": "memory"}`))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	_, err = a.Sync(ctx, false)
	require.ErrorIs(t, err, ErrLocalQueues)
	_, err = a.QueueDepths(ctx)
	require.ErrorIs(t, err, ErrLocalQueues)
}

func TestDaemonLockStartStop(t *testing.T) {
	t.Parallel()
	api, _ := fakeBotAPI(t)
	store := filepath.Join(t.TempDir(), "store.json")
	path := writeConfig(t, api.URL, fmt.Sprintf(`{"driver": "file", "path": %q}`, store))

	a, err := New(context.Background(), path)
	require.NoError(t, err)

	_, err = New(context.Background(), path)
	require.ErrorContains(t, err, "another voebot daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	depths, err := a.QueueDepths(ctx)
	require.NoError(t, err)
	require.Len(t, depths, 4)
	require.Equal(t, "update", depths[0].Name)
	require.Equal(t, "notification-dlq", depths[3].Name)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))

	// The lock is released on stop.
	b, err := New(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, b.Close(context.Background()))
}
