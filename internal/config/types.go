package config

// Config is the on-disk configuration. JSON is canonical; YAML and TOML
// files are coerced to JSON and decoded with DisallowUnknownFields.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Source    SourceConfig    `json:"source"`
	Queue     QueueConfig     `json:"queue"`
	Notifier  NotifierConfig  `json:"notifier"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled jobs. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the operator chat id for warn/error log forwarding.
	GroupLog string `json:"group_log"`
	// APIURL overrides the Bot API base URL (tests, local bot API servers).
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SourceConfig describes the schedule source.
//
// Defaults:
//   - endpoint: the public VOE search form
//   - timeout: "20s"
//   - utc_offset: "3h" (wall-clock offset of the published grid)
//   - fetch_attempts: 3, fetch_backoff: "1s"
//   - fanout_concurrency: 8
type SourceConfig struct {
	Endpoint          string `json:"endpoint,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	UTCOffset         string `json:"utc_offset,omitempty"`
	FetchAttempts     int    `json:"fetch_attempts,omitempty"`
	FetchBackoff      string `json:"fetch_backoff,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	FanoutConcurrency int    `json:"fanout_concurrency,omitempty"`
}

// QueueConfig selects the task transport.
//
// Example:
//
//	"queue": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type QueueConfig struct {
	Driver            string     `json:"driver"` // memory | redis
	Redis             RedisQueue `json:"redis,omitzero"`
	BatchSize         int        `json:"batch_size,omitempty"`
	VisibilityTimeout string     `json:"visibility_timeout,omitempty"`
	Wait              string     `json:"wait,omitempty"`
	HandlerTimeout    string     `json:"handler_timeout,omitempty"`
	Update            QueueStage `json:"update"`
	Notification      QueueStage `json:"notification"`
}

type RedisQueue struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// QueueStage configures consumers and redelivery of one queue.
type QueueStage struct {
	Workers       int    `json:"workers,omitempty"`
	MaxReceives   int    `json:"max_receives,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// Timezone renders message times (IANA name, default "Europe/Kyiv").
	Timezone string `json:"timezone,omitempty"`
}

// SchedulerConfig controls the sync trigger.
//
// SyncSchedule accepts a cron expression, "every <duration>" or "HH:MM"
// (default "*/30 * * * *").
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	SyncSchedule string `json:"sync_schedule,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - retry_max: 1
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/voebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HTTPConfig controls the API server (health, metrics, schedule, calendar).
//
// Prefer binding to localhost when pprof is enabled.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	// RateLimit is requests per minute per client IP on /api (0 = 60).
	RateLimit int  `json:"rate_limit,omitempty"`
	Pprof     bool `json:"pprof,omitempty"`
}

type TelemetryConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter,omitempty"` // otlp-http | none
	Endpoint     string  `json:"endpoint,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty"`
}
