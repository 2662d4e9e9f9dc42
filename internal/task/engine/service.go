// Package engine executes scheduled jobs on a small worker pool with retry,
// overlap protection and a per-task circuit breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voebot/internal/eventbus"
	rtsup "voebot/internal/runtime/supervisor"
	logx "voebot/pkg/logx"
)

type Service struct {
	mu     sync.Mutex
	cfg    Config
	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	log logx.Logger
	bus eventbus.Bus

	runningMu sync.Mutex
	running   map[string]bool

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	dropped  atomic.Uint64
}

type queuedTask struct {
	task       Task
	opt        TaskOptions
	timeout    time.Duration
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "taskengine")),
		bus:     bus,
		running: map[string]bool{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	q, stopCh := s.q, s.stopCh
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, q)
			if c.Err() != nil {
				return c.Err()
			}
			select {
			case <-stopCh:
				return nil
			default:
				return errors.New("worker exited unexpectedly")
			}
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop cancels running tasks and waits for the workers until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.stopCh, s.q, s.sup = nil, nil, nil
	s.mu.Unlock()

	err := sup.Stop(ctx)
	s.runningMu.Lock()
	clear(s.running)
	s.runningMu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Supervisor exposes worker stats; nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}

	opt := t.Opt.withDefaults(cfg)
	if open, until := s.circuitIsOpen(now, t.Name, cfg); open {
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.record(cfg, EventSkipped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}
	if opt.SkipIfRunning && !s.acquire(t.Name) {
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
		s.bus.Publish(eventbus.Event{Type: EventSkipped, Data: HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "overlap"}})
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, opt: opt, timeout: timeout, enqueuedAt: now}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.release(qt)
			s.dropped.Add(1)
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
			s.bus.Publish(eventbus.Event{Type: EventDropped, Data: HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		s.release(qt)
		return ctx.Err()
	case <-stopCh:
		s.release(qt)
		return ErrStopped
	}
}

func (s *Service) acquire(name string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Service) release(qt queuedTask) {
	if !qt.opt.SkipIfRunning {
		return
	}
	s.runningMu.Lock()
	delete(s.running, qt.task.Name)
	s.runningMu.Unlock()
}

// record appends to the bounded history and publishes typ.
func (s *Service) record(cfg Config, typ string, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = s.history[n:]
	}
	s.hmu.Unlock()
	s.bus.Publish(eventbus.Event{Type: typ, Data: item})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Dropped:        s.dropped.Load(),
		CircuitOpen:    s.circuitOpenCount(time.Now(), cfg),
		RetryMax:       cfg.RetryMax,
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
