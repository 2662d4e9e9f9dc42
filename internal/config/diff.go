package config

import (
	"reflect"
	"strings"

	logx "voebot/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never secrets such as tokens or passwords) and (3) the
// changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		restart []string
		attrs   []logx.Field
	)
	mark := func(section string, needsRestart bool, fields ...logx.Field) {
		changed = append(changed, section)
		if needsRestart {
			restart = append(restart, section)
		}
		attrs = append(attrs, fields...)
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL {
		mark("telegram", oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL,
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		mark("source", true,
			logx.String("source.endpoint", newCfg.Source.Endpoint),
			logx.String("source.utc_offset", newCfg.Source.UTCOffset),
		)
	}

	oq, nq := oldCfg.Queue, newCfg.Queue
	passwordChanged := oq.Redis.Password != nq.Redis.Password
	oq.Redis.Password, nq.Redis.Password = "", ""
	if passwordChanged || !reflect.DeepEqual(oq, nq) {
		mark("queue", true,
			logx.String("queue.driver", nq.Driver),
			logx.String("queue.redis.addr", nq.Redis.Addr),
			logx.Int("queue.batch_size", nq.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		mark("notifier", false,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.String("notifier.timezone", newCfg.Notifier.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", true,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sync_schedule", newCfg.Scheduler.SyncSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		mark("task_engine", true, logx.Bool("task_engine.present", newCfg.TaskEngine != nil))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", true,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		mark("telemetry", true, logx.Bool("telemetry.enabled", newCfg.Telemetry.Enabled))
	}

	return changed, attrs, restart
}
