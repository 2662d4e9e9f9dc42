package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const jsonConfig = `{
  "telegram": {"token": "t", "group_log": "-100123"},
  "logging": {"level": "debug", "console": true},
  "source": {"timeout": "20s", "utc_offset": "2h"},
  "queue": {"driver": "memory", "update": {"max_receives": 5}},
  "notifier": {"rate_per_sec": 10, "timezone": "UTC"},
  "scheduler": {"enabled": true, "sync_schedule": "every 15m"},
  "storage": {"driver": "sqlite", "path": "/tmp/voebot.db"},
  "http": {"enabled": false},
  "telemetry": {"enabled": false}
}`

const yamlConfig = `
telegram:
  token: t
  group_log: "-100123"
logging:
  level: debug
  console: true
source:
  timeout: 20s
  utc_offset: 2h
queue:
  driver: memory
  update:
    max_receives: 5
notifier:
  rate_per_sec: 10
  timezone: UTC
scheduler:
  enabled: true
  sync_schedule: every 15m
storage:
  driver: sqlite
  path: /tmp/voebot.db
`

const tomlConfig = `
[telegram]
token = "t"
group_log = "-100123"

[logging]
level = "debug"
console = true

[source]
timeout = "20s"
utc_offset = "2h"

[queue]
driver = "memory"

[queue.update]
max_receives = 5

[notifier]
rate_per_sec = 10
timezone = "UTC"

[scheduler]
enabled = true
sync_schedule = "every 15m"

[storage]
driver = "sqlite"
path = "/tmp/voebot.db"
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		data string
	}{
		{"json", "config.json", jsonConfig},
		{"yaml", "config.yaml", yamlConfig},
		{"yml", "config.yml", yamlConfig},
		{"toml", "config.toml", tomlConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.file, []byte(tc.data))
			require.NoError(t, err)
			require.Equal(t, "t", cfg.Telegram.Token)
			require.Equal(t, int64(-100123), cfg.GroupLogChatID())
			require.Equal(t, "debug", cfg.Logging.Level)
			require.Equal(t, "2h", cfg.Source.UTCOffset)
			require.Equal(t, 5, cfg.Queue.Update.MaxReceives)
			require.Equal(t, 10, cfg.Notifier.RatePerSec)
			require.Equal(t, "every 15m", cfg.Scheduler.SyncSchedule)
			require.Equal(t, "/tmp/voebot.db", cfg.Storage.Path)
			require.NoError(t, Validate(cfg))
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"storage": {"driver": "sqlite", "pth": "x"}}`))
	require.Error(t, err)

	_, err = Decode("c.yaml", []byte("storage:\n  driver: sqlite\n  pth: x\n"))
	require.Error(t, err)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad queue driver", func(c *Config) { c.Queue.Driver = "sqs" }, "queue.driver"},
		{"redis without addr", func(c *Config) { c.Queue.Driver = "redis" }, "queue.redis.addr"},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"bad duration", func(c *Config) { c.Queue.Update.RetryBase = "soon" }, "queue.update.retry_base"},
		{"negative duration", func(c *Config) { c.Notifier.SendTimeout = "-1s" }, "notifier.send_timeout"},
		{"offset out of range", func(c *Config) { c.Source.UTCOffset = "20h" }, "source.utc_offset"},
		{"bad timezone", func(c *Config) { c.Notifier.Timezone = "Mars/Base" }, "notifier.timezone"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "ops" }, "telegram.group_log"},
		{"sampling", func(c *Config) { c.Telemetry.SamplingRate = 2 }, "telemetry.sampling_rate"},
		{"exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }, "telemetry.exporter"},
		{"handler shorter than fetch retries", func(c *Config) { c.Queue.HandlerTimeout = "45s" }, "queue.handler_timeout"},
		{"visibility within handler", func(c *Config) {
			c.Queue.HandlerTimeout = "90s"
			c.Queue.VisibilityTimeout = "60s"
		}, "queue.visibility_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Queue.Driver = "sqs"
	cfg.Storage.Driver = "mongo"
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue.driver")
	require.Contains(t, err.Error(), "storage.driver")
}

func TestQueueTimeouts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		src        SourceConfig
		handler    string
		visibility string
		budget     time.Duration
		wantH      time.Duration
		wantV      time.Duration
		wantErr    string
	}{
		// 3 x 20s + 1s + 2s
		{name: "defaults", budget: 63 * time.Second, wantH: 90 * time.Second, wantV: 2 * time.Minute},
		{name: "explicit fits", handler: "70s", visibility: "80s", budget: 63 * time.Second, wantH: 70 * time.Second, wantV: 80 * time.Second},
		{name: "handler at budget", handler: "63s", budget: 63 * time.Second, wantH: 63 * time.Second, wantV: 2 * time.Minute},
		{name: "handler below budget", handler: "62s", budget: 63 * time.Second, wantErr: "shorter than the fetch retry budget 1m3s"},
		// 5 x 30s + 1s + 2s + 4s + 8s
		{
			name:   "slow source stretches defaults",
			src:    SourceConfig{Timeout: "30s", FetchAttempts: 5},
			budget: 165 * time.Second, wantH: 180 * time.Second, wantV: 195 * time.Second,
		},
		{name: "visibility equal to handler", handler: "90s", visibility: "90s", budget: 63 * time.Second, wantErr: "must exceed queue.handler_timeout"},
		{name: "bad source timeout", src: SourceConfig{Timeout: "slow"}, wantErr: "source.timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Source = tc.src
			cfg.Queue.HandlerTimeout = tc.handler
			cfg.Queue.VisibilityTimeout = tc.visibility

			h, v, err := QueueTimeouts(cfg)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			budget, err := FetchBudget(tc.src)
			require.NoError(t, err)
			require.Equal(t, tc.budget, budget)
			require.Equal(t, tc.wantH, h)
			require.Equal(t, tc.wantV, v)
		})
	}
}

func TestValidateSkipsQueueTimeoutsOnBadSource(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Source.Timeout = "slow"
	err := Validate(cfg)
	require.Error(t, err)
	require.Equal(t, 1, strings.Count(err.Error(), "source.timeout"))
}

func TestParseOffset(t *testing.T) {
	t.Parallel()

	d, err := ParseOffset("")
	require.NoError(t, err)
	require.Equal(t, 3*time.Hour, d)

	d, err = ParseOffset("-5h")
	require.NoError(t, err)
	require.Equal(t, -5*time.Hour, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := Default()
	newCfg := Default()
	newCfg.Logging.Level = "debug"
	newCfg.Queue.Redis.Password = "secret"
	newCfg.Notifier.RatePerSec = 5

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "queue", "notifier"}, changed)
	require.Equal(t, []string{"queue"}, restart)
	require.NotEmpty(t, attrs)

	changed, _, restart = SummarizeConfigChange(oldCfg, Default())
	require.Empty(t, changed)
	require.Empty(t, restart)
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonConfig), 0o600))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	ch, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	// Same content: no publish.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unchanged config was published")
	default:
	}

	updated := strings.Replace(jsonConfig, `"rate_per_sec": 10`, `"rate_per_sec": 3`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	m.reload(context.Background())
	select {
	case got := <-ch:
		require.Equal(t, 3, got.Notifier.RatePerSec)
	default:
		t.Fatal("changed config was not published")
	}
	require.Equal(t, 3, m.Get().Notifier.RatePerSec)
}

func TestManagerReloadRejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonConfig), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Notifier.RatePerSec > 20 {
			return os.ErrInvalid
		}
		return nil
	})

	updated := strings.Replace(jsonConfig, `"rate_per_sec": 10`, `"rate_per_sec": 50`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	m.reload(context.Background())
	require.Equal(t, 10, m.Get().Notifier.RatePerSec)
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch, unsubscribe := m.Subscribe(1)
	a, b := Default(), Default()
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)

	unsubscribe()
	_, ok := <-ch
	require.False(t, ok)
	unsubscribe()
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	path := filepath.Join("..", "..", "config.example.yaml")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg, err := Decode(path, b)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	require.Equal(t, int64(-1001234567890), cfg.GroupLogChatID())
	require.Equal(t, "redis", cfg.Queue.Driver)
}
