package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"voebot/internal/task/engine"
	logx "voebot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional accepts 5- and 6-field specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*scheduleDef{},
		lastWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers or replaces a job. Jobs added while running are scheduled
// immediately.
func (s *Service) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Run == nil {
		return errors.New("schedule needs a name and a job")
	}
	p, err := ParseSchedule(job.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	if p.Kind == SpecCron {
		if _, err := s.parser.Parse(p.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", job.Name, p.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[job.Name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	def := &scheduleDef{job: job, parsed: p}
	s.defs[job.Name] = def
	if s.c != nil {
		return s.addCronLocked(def)
	}
	return nil
}

func (s *Service) addCronLocked(def *scheduleDef) error {
	name := def.job.Name
	trigger := cron.FuncJob(func() { s.trigger(name) })
	switch def.parsed.Kind {
	case SpecInterval:
		sched, spread := newIntervalSchedule(def.parsed.Every, time.Now().In(s.loc))
		def.spread = spread
		def.entryID = s.c.Schedule(sched, trigger)
	default:
		id, err := s.c.AddJob(def.parsed.Cron, trigger)
		if err != nil {
			return err
		}
		def.entryID = id
	}
	return nil
}

// RunNow enqueues the named job outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	def := s.defs[name]
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("unknown schedule %q", name)
	}
	return s.enqueue(def.job)
}

func (s *Service) trigger(name string) {
	s.mu.Lock()
	def := s.defs[name]
	s.mu.Unlock()
	if def == nil {
		return
	}
	if err := s.enqueue(def.job); err != nil {
		s.reportEnqueueError(name, err)
	}
}

func (s *Service) enqueue(job Job) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{Name: job.Name, Timeout: job.Timeout, Run: job.Run, Opt: job.Opt})
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	if last := s.lastWarn[name]; !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

// Start starts the cron clock when enabled.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, def := range s.defs {
		if err := s.addCronLocked(def); err != nil {
			s.c = nil
			return fmt.Errorf("schedule %s: %w", def.job.Name, err)
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
	return nil
}

// Stop halts triggering and waits for in-progress trigger calls until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the config, restarting the clock when the timezone or the
// enabled flag changes.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()
	if prev == cfg {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, def := range s.defs {
		it := ScheduleInfo{Name: def.job.Name, Spec: def.job.Spec, Timeout: def.job.Timeout}
		if s.c != nil && def.entryID != 0 {
			e := s.c.Entry(def.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Europe/Kyiv"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", name, err)
	}
	return loc, nil
}
