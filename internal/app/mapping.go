package app

import (
	"fmt"
	"strings"
	"time"

	"voebot/internal/api"
	"voebot/internal/config"
	"voebot/internal/notifier"
	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/storage"
	"voebot/internal/task/engine"
	"voebot/internal/task/scheduler"
	"voebot/internal/telemetry"
	"voebot/internal/updater"
	"voebot/internal/voe"
	logx "voebot/pkg/logx"
)

// Version is stamped by the build.
var Version = "dev"

const defaultSyncSchedule = "*/30 * * * *"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.GroupLogChatID() != 0,
			ChatID:     cfg.GroupLogChatID(),
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "badger", "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "memory":
		return storage.Config{Driver: driver}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSourceOptions(cfg *config.Config) (voe.Options, error) {
	timeout, err := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, config.DefaultSourceTimeout)
	if err != nil {
		return voe.Options{}, err
	}
	return voe.Options{
		Endpoint:  cfg.Source.Endpoint,
		Timeout:   timeout,
		UserAgent: cfg.Source.UserAgent,
	}, nil
}

func mapUpdaterOptions(cfg *config.Config) (updater.Options, error) {
	offset, err := config.ParseOffset(cfg.Source.UTCOffset)
	if err != nil {
		return updater.Options{}, err
	}
	backoff, err := config.ParseDurationOrDefault("source.fetch_backoff", cfg.Source.FetchBackoff, config.DefaultFetchBackoff)
	if err != nil {
		return updater.Options{}, err
	}
	attempts := cfg.Source.FetchAttempts
	if attempts <= 0 {
		attempts = config.DefaultFetchAttempts
	}
	return updater.Options{
		FetchAttempts:     attempts,
		FetchBackoff:      backoff,
		FanoutConcurrency: cfg.Source.FanoutConcurrency,
		Location:          schedule.FixedZone(offset),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	loc, err := config.LoadLocation(cfg.Notifier.Timezone)
	if err != nil {
		return notifier.Config{}, fmt.Errorf("notifier.timezone: %w", err)
	}
	return notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: timeout,
		Location:    loc,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := engine.Config{Enabled: cfg.Scheduler.Enabled, RetryMax: 1}
	if te := cfg.TaskEngine; te != nil {
		ec.Workers = te.Workers
		ec.QueueSize = te.QueueSize
		if te.RetryMax != 0 {
			ec.RetryMax = te.RetryMax
		}
		d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		if err != nil {
			return engine.Config{}, err
		}
		ec.DefaultTimeout = d
	}
	return ec, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func syncSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.SyncSchedule); s != "" {
		return s
	}
	return defaultSyncSchedule
}

// stageSettings is the consumer and redelivery setup of one queue.
type stageSettings struct {
	Workers int
	Policy  queue.RetryPolicy
}

type queueSettings struct {
	Driver         string
	Redis          queue.RedisConfig
	BatchSize      int
	Visibility     time.Duration
	Wait           time.Duration
	HandlerTimeout time.Duration
	Update         stageSettings
	Notification   stageSettings
}

func mapStage(prefix string, st config.QueueStage, defWorkers int) (stageSettings, error) {
	base, err := config.ParseDurationField(prefix+".retry_base", st.RetryBase)
	if err != nil {
		return stageSettings{}, err
	}
	maxDelay, err := config.ParseDurationField(prefix+".retry_max_delay", st.RetryMaxDelay)
	if err != nil {
		return stageSettings{}, err
	}
	workers := st.Workers
	if workers <= 0 {
		workers = defWorkers
	}
	return stageSettings{
		Workers: workers,
		Policy:  queue.RetryPolicy{MaxReceives: st.MaxReceives, Base: base, MaxDelay: maxDelay, Jitter: true},
	}, nil
}

func mapQueueSettings(cfg *config.Config) (queueSettings, error) {
	qc := cfg.Queue
	qs := queueSettings{
		Driver:    strings.ToLower(strings.TrimSpace(qc.Driver)),
		BatchSize: qc.BatchSize,
		Redis: queue.RedisConfig{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
			Prefix:   qc.Redis.Prefix,
		},
	}
	if qs.Driver == "" {
		qs.Driver = "memory"
	}
	var err error
	if qs.HandlerTimeout, qs.Visibility, err = config.QueueTimeouts(cfg); err != nil {
		return queueSettings{}, err
	}
	if qs.Wait, err = config.ParseDurationOrDefault("queue.wait", qc.Wait, 2*time.Second); err != nil {
		return queueSettings{}, err
	}
	if qs.Update, err = mapStage("queue.update", qc.Update, 2); err != nil {
		return queueSettings{}, err
	}
	if qs.Notification, err = mapStage("queue.notification", qc.Notification, 4); err != nil {
		return queueSettings{}, err
	}
	return qs, nil
}

func mapTelemetryConfig(cfg *config.Config) telemetry.Config {
	name := strings.TrimSpace(cfg.Telemetry.ServiceName)
	if name == "" {
		name = "voebot"
	}
	return telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		Endpoint:     cfg.Telemetry.Endpoint,
		ServiceName:  name,
		Version:      Version,
		SamplingRate: cfg.Telemetry.SamplingRate,
	}
}

func mapHTTPConfig(cfg *config.Config) api.Config {
	return api.Config{
		Addr:      cfg.HTTP.Addr,
		RateLimit: cfg.HTTP.RateLimit,
		Pprof:     cfg.HTTP.Pprof,
	}
}
