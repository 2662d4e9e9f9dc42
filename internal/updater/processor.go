package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"voebot/internal/eventbus"
	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/storage"
	"voebot/internal/voe"
	logx "voebot/pkg/logx"
)

const (
	EventChanged   = "schedule.changed"
	EventUnchanged = "schedule.unchanged"
	EventFailed    = "schedule.failed"
)

// Event is the bus payload of schedule events.
type Event struct {
	Args        string `json:"args"`
	Subscribers int    `json:"subscribers"`
	Intervals   int    `json:"intervals"`
	Enqueued    int    `json:"enqueued,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Outcome is the terminal state of a successful Process call.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeChanged
)

func (o Outcome) String() string {
	if o == OutcomeChanged {
		return "changed"
	}
	return "unchanged"
}

// Fetcher returns the raw schedule markup of an address.
type Fetcher interface {
	Fetch(ctx context.Context, key schedule.Key) (string, error)
}

// NotificationEnqueuer accepts notification tasks.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, t queue.NotificationTask) (string, error)
}

type Options struct {
	// FetchAttempts bounds local fetch retries (default 3).
	FetchAttempts int
	// FetchBackoff is the delay after the first failed fetch; it doubles
	// after each further failure (default 1s).
	FetchBackoff time.Duration
	// FanoutConcurrency bounds parallel notification enqueues (default 8).
	FanoutConcurrency int
	// Location interprets the source's wall-clock labels (default UTC+3).
	Location *time.Location
	Now      func() time.Time
	Logger   logx.Logger
	Bus      eventbus.Bus
	Tracer   trace.Tracer
}

func (o Options) normalized() Options {
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = 3
	}
	if o.FetchBackoff <= 0 {
		o.FetchBackoff = time.Second
	}
	if o.FanoutConcurrency <= 0 {
		o.FanoutConcurrency = 8
	}
	if o.Location == nil {
		o.Location = schedule.FixedZone(schedule.DefaultOffset)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop{}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("voebot/internal/updater")
	}
	return o
}

// Processor runs the update stage for one address at a time. It is safe
// for concurrent use; concurrent runs on the same address are serialized
// by the store's version guard.
type Processor struct {
	fetch Fetcher
	store storage.Store
	notes NotificationEnqueuer
	opts  Options
	log   logx.Logger
}

func New(f Fetcher, st storage.Store, notes NotificationEnqueuer, opts Options) *Processor {
	opts = opts.normalized()
	return &Processor{fetch: f, store: st, notes: notes, opts: opts, log: opts.Logger}
}

// Process fetches the current schedule of task's address, compares it with
// the stored one and, on change, persists it and enqueues notifications for
// task.UserIDs. A change is stored with NotifyPending set until the fan-out
// succeeds, so a redelivered task notifies even though the schedule now
// compares equal.
func (p *Processor) Process(ctx context.Context, task queue.UpdateTask) (out Outcome, err error) {
	ctx, span := p.opts.Tracer.Start(ctx, "updater.process", trace.WithAttributes(
		attribute.String("schedule.key", task.SubscriptionArgs),
		attribute.Int("schedule.subscribers", len(task.UserIDs)),
		attribute.Int("queue.attempt", task.Attempt),
	))
	defer func() {
		span.SetAttributes(attribute.String("schedule.outcome", out.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.opts.Bus.Publish(eventbus.Event{Type: EventFailed, Data: Event{
				Args: task.SubscriptionArgs, Subscribers: len(task.UserIDs), Error: err.Error(),
			}})
		}
		span.End()
	}()

	log := p.log.With(logx.String("args", task.SubscriptionArgs), logx.Int("attempt", task.Attempt))

	key, err := schedule.ParseKey(task.SubscriptionArgs)
	if err != nil {
		return OutcomeUnchanged, err
	}

	next, err := p.Load(ctx, key)
	if err != nil {
		return OutcomeUnchanged, err
	}

	prev, err := p.previous(ctx, key)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if !schedule.Changed(prev, next) {
		if prev != nil && prev.NotifyPending {
			// An earlier run stored this version but could not enqueue.
			log.Info("resuming pending notifications", logx.Int64("version", prev.Version))
			return p.notify(ctx, log, task, *prev)
		}
		log.Debug("schedule unchanged", logx.Int("intervals", len(next)))
		p.opts.Bus.Publish(eventbus.Event{Type: EventUnchanged, Data: Event{
			Args: task.SubscriptionArgs, Subscribers: len(task.UserIDs), Intervals: len(next),
		}})
		return OutcomeUnchanged, nil
	}

	rec := schedule.Record{
		Key:           key,
		Alias:         task.SubscriptionArgs,
		Intervals:     next,
		LastUpdatedAt: p.opts.Now().UTC(),
		Version:       1,
		NotifyPending: len(task.UserIDs) > 0,
	}
	var expected int64
	if prev != nil {
		if prev.Alias != "" {
			rec.Alias = prev.Alias
		}
		expected = prev.Version
		rec.Version = prev.Version + 1
	}
	if err := p.store.PutSchedule(ctx, rec, expected); err != nil {
		return OutcomeUnchanged, &PersistError{Key: key, Err: err}
	}
	return p.notify(ctx, log, task, rec)
}

// notify enqueues rec for task's users and clears the record's pending flag.
// While the flag stays set a redelivered task retries the fan-out.
func (p *Processor) notify(ctx context.Context, log logx.Logger, task queue.UpdateTask, rec schedule.Record) (Outcome, error) {
	enqueued, err := p.fanout(ctx, rec, task.UserIDs)
	log.Info("schedule changed",
		logx.Int("intervals", len(rec.Intervals)),
		logx.Int("subscribers", len(task.UserIDs)),
		logx.Int("enqueued", enqueued),
		logx.Int64("version", rec.Version),
	)
	if err != nil {
		return OutcomeChanged, err
	}
	if rec.NotifyPending {
		if err := p.store.MarkNotified(ctx, rec.Key, rec.Version); err != nil {
			// A newer version notifies on its own; otherwise the next run
			// repeats this fan-out.
			log.Warn("clear pending notifications failed", logx.Int64("version", rec.Version), logx.Err(err))
		}
	}
	p.opts.Bus.Publish(eventbus.Event{Type: EventChanged, Data: Event{
		Args: task.SubscriptionArgs, Subscribers: len(task.UserIDs), Intervals: len(rec.Intervals), Enqueued: enqueued,
	}})
	return OutcomeChanged, nil
}

// Load returns the current canonical schedule of key without touching the
// store. The demo key never hits the network.
func (p *Processor) Load(ctx context.Context, key schedule.Key) ([]schedule.Interval, error) {
	now := p.opts.Now()
	if key.IsDemo() {
		return schedule.DemoIntervals(now), nil
	}
	fragment, err := p.fetchWithRetry(ctx, key)
	if err != nil {
		return nil, err
	}
	grid, err := voe.Parse(fragment)
	if err != nil {
		return nil, err
	}
	return schedule.BuildIntervals(grid.Cells(), now, p.opts.Location), nil
}

func (p *Processor) fetchWithRetry(ctx context.Context, key schedule.Key) (string, error) {
	var lastErr error
	for i := 1; i <= p.opts.FetchAttempts; i++ {
		fragment, err := p.fetch.Fetch(ctx, key)
		if err == nil {
			return fragment, nil
		}
		lastErr = err
		if ctx.Err() != nil || i == p.opts.FetchAttempts {
			break
		}
		delay := p.opts.FetchBackoff << (i - 1)
		p.log.Warn("fetch failed; retrying",
			logx.String("args", key.String()),
			logx.Int("attempt", i),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", lastErr
		case <-t.C:
		}
	}
	return "", lastErr
}

func (p *Processor) previous(ctx context.Context, key schedule.Key) (*schedule.Record, error) {
	rec, err := p.store.GetSchedule(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", key, err)
	}
	return &rec, nil
}

// fanout enqueues one notification per user. Individual failures are logged;
// only a total failure is returned.
func (p *Processor) fanout(ctx context.Context, rec schedule.Record, users []int64) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}
	var (
		mu     sync.Mutex
		failed int
		errs   []error
	)
	var g errgroup.Group
	g.SetLimit(p.opts.FanoutConcurrency)
	for _, uid := range users {
		g.Go(func() error {
			_, err := p.notes.Enqueue(ctx, notificationFor(rec, uid))
			if err != nil {
				p.log.Error("enqueue notification failed",
					logx.String("args", rec.Key.String()),
					logx.Int64("user_id", uid),
					logx.Err(err),
				)
				mu.Lock()
				failed++
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(users) {
		return 0, &EnqueueError{Failed: failed, Total: len(users), Err: errors.Join(errs...)}
	}
	if failed > 0 {
		p.log.Warn("some notifications were not enqueued",
			logx.String("args", rec.Key.String()),
			logx.Int("failed", failed),
			logx.Int("total", len(users)),
		)
	}
	return len(users) - failed, nil
}

func notificationFor(rec schedule.Record, userID int64) queue.NotificationTask {
	return queue.NotificationTask{
		UserID:           userID,
		Data:             rec.Intervals,
		Alias:            rec.Alias,
		LastUpdatedAt:    rec.LastUpdatedAt,
		SubscriptionArgs: rec.Key.String(),
	}
}

// Handler adapts Process to a queue handler.
func (p *Processor) Handler() queue.Handler {
	return func(ctx context.Context, d queue.Delivery) error {
		task, err := queue.DecodeUpdate(d)
		if err != nil {
			return err
		}
		_, err = p.Process(ctx, task)
		return err
	}
}
