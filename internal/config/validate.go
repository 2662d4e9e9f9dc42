package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Default returns the config used when no file exists: memory queues,
// a local sqlite store and the scheduler enabled.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Queue:     QueueConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{Enabled: true},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./data/voebot.db"},
	}
}

// Validate checks values that decoding alone cannot. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			check(fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
	}

	sourceErrs := len(errs)
	dur("source.timeout", cfg.Source.Timeout)
	dur("source.fetch_backoff", cfg.Source.FetchBackoff)
	_, err := ParseOffset(cfg.Source.UTCOffset)
	check(err)
	if cfg.Source.FetchAttempts < 0 {
		check(errors.New("source.fetch_attempts: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Queue.Redis.Addr) == "" {
			check(errors.New("queue.redis.addr: required for the redis driver"))
		}
	default:
		check(fmt.Errorf("queue.driver: unknown driver %q", cfg.Queue.Driver))
	}
	if len(errs) == sourceErrs {
		_, _, err := QueueTimeouts(cfg)
		check(err)
	} else {
		dur("queue.visibility_timeout", cfg.Queue.VisibilityTimeout)
		dur("queue.handler_timeout", cfg.Queue.HandlerTimeout)
	}
	dur("queue.wait", cfg.Queue.Wait)
	for name, st := range map[string]QueueStage{"update": cfg.Queue.Update, "notification": cfg.Queue.Notification} {
		dur("queue."+name+".retry_base", st.RetryBase)
		dur("queue."+name+".retry_max_delay", st.RetryMaxDelay)
	}

	dur("notifier.send_timeout", cfg.Notifier.SendTimeout)
	if _, err := LoadLocation(cfg.Notifier.Timezone); err != nil {
		check(fmt.Errorf("notifier.timezone: %w", err))
	}
	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		check(fmt.Errorf("scheduler.timezone: %w", err))
	}
	if cfg.TaskEngine != nil {
		dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "badger", "file", "memory":
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if r := cfg.Telemetry.SamplingRate; r < 0 || r > 1 {
		check(fmt.Errorf("telemetry.sampling_rate: %v not in [0,1]", r))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter)) {
	case "", "none", "otlp-http", "otlphttp":
	default:
		check(fmt.Errorf("telemetry.exporter: unknown exporter %q", cfg.Telemetry.Exporter))
	}

	return errors.Join(errs...)
}

// ParseOffset parses source.utc_offset; empty means 3h.
func ParseOffset(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 3 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("source.utc_offset: invalid duration %q: %w", raw, err)
	}
	if d < -14*time.Hour || d > 14*time.Hour {
		return 0, fmt.Errorf("source.utc_offset: %s out of range", d)
	}
	return d, nil
}

// LoadLocation resolves an IANA zone name; empty means Europe/Kyiv, and
// a missing zone database falls back to UTC+3.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		loc, err := time.LoadLocation("Europe/Kyiv")
		if err != nil {
			return time.FixedZone("UTC+03:00", 3*60*60), nil
		}
		return loc, nil
	}
	return time.LoadLocation(name)
}

// GroupLogChatID returns the operator chat id, 0 when unset.
func (c *Config) GroupLogChatID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.Telegram.GroupLog), 10, 64)
	return id
}
