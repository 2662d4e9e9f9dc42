package app

import (
	"context"
	"errors"
	"fmt"

	"voebot/internal/notifier"
	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/updater"
)

// ErrLocalQueues is returned by one-shot commands that need the daemon's
// queues while queue.driver is memory.
var ErrLocalQueues = errors.New("memory queues live inside the daemon; use queue.driver=redis or --direct")

// inlineNotifier delivers a notification right away instead of queueing it.
type inlineNotifier struct{ d *notifier.Dispatcher }

func (n inlineNotifier) Enqueue(ctx context.Context, t queue.NotificationTask) (string, error) {
	return "", n.d.Dispatch(ctx, t)
}

// SyncResult reports one sync run. Enqueued is set for queued runs, Direct
// for in-process runs.
type SyncResult struct {
	Enqueued int
	Direct   *updater.DirectResult
}

// Sync runs one producer cycle. With direct set every address is processed
// in-process and the update queue is bypassed.
func (a *App) Sync(ctx context.Context, direct bool) (SyncResult, error) {
	if direct {
		res, err := a.producer.RunDirect(ctx, a.proc, a.cfg.Source.FanoutConcurrency)
		return SyncResult{Direct: &res}, err
	}
	if !a.queues.Shared() {
		return SyncResult{}, ErrLocalQueues
	}
	n, err := a.producer.Enqueue(ctx, a.updates)
	return SyncResult{Enqueued: n}, err
}

// Preview fetches and merges the current schedule of key without storing it.
func (a *App) Preview(ctx context.Context, key schedule.Key) ([]schedule.Interval, error) {
	if key.IsZero() {
		return nil, schedule.ErrInvalidKey
	}
	return a.proc.Load(ctx, key)
}

// Subscribe registers userID for key and sends the current schedule.
func (a *App) Subscribe(ctx context.Context, key schedule.Key, alias string, userID int64) (schedule.Record, error) {
	if userID == 0 {
		return schedule.Record{}, errors.New("user id is required")
	}
	return a.proc.Register(ctx, key, alias, userID)
}

// QueueDepth is the depth of one named queue.
type QueueDepth struct {
	Name  string
	Depth queue.Depth
}

// QueueDepths reads every queue. Memory queues are only meaningful inside
// the daemon, so they are refused outside it.
func (a *App) QueueDepths(ctx context.Context) ([]QueueDepth, error) {
	if !a.queues.Shared() && a.sup == nil {
		return nil, ErrLocalQueues
	}
	out := make([]QueueDepth, 0, 4)
	for _, q := range a.queues.All() {
		d, err := q.Depth(ctx)
		if err != nil {
			return out, fmt.Errorf("depth %s: %w", q.Name(), err)
		}
		out = append(out, QueueDepth{Name: q.Name(), Depth: d})
	}
	return out, nil
}
