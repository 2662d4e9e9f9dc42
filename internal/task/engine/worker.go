package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"voebot/internal/eventbus"
	logx "voebot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter only
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-q:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer s.release(qt)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: max(start.Sub(qt.enqueuedAt), 0)}
	s.log.Debug("task started", logx.String("task", item.Name), logx.Duration("queue_delay", item.QueueDelay))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Data: item})

	var err error
attempts:
	for attempt := 1; attempt <= 1+qt.opt.RetryMax; attempt++ {
		item.Attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", item.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attempts
		case <-stopCh:
			t.Stop()
			err = ErrStopped
			break attempts
		case <-t.C:
		}
	}

	item.Duration = time.Since(start)
	s.circuitRecordResult(time.Now(), item.Name, cfg, err)
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", item.Name), logx.Int("attempts", item.Attempts), logx.Duration("dur", item.Duration), logx.Err(err))
		s.record(cfg, EventFailed, item)
		return
	}
	s.log.Debug("task completed", logx.String("task", item.Name), logx.Int("attempts", item.Attempts), logx.Duration("dur", item.Duration))
	s.record(cfg, EventFinished, item)
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay returns the wait before retry number attempt+1. A
// RetryAfterError hint replaces the exponential delay.
func backoffDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
