package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"voebot/internal/task/engine"
	logx "voebot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty is Europe/Kyiv
}

// Job is one registered schedule.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     engine.TaskOptions
}

type scheduleDef struct {
	job     Job
	parsed  ParsedSpec
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	log    logx.Logger
	engine *engine.Service
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
