package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/storage"
	logx "voebot/pkg/logx"
)

// UpdateEnqueuer accepts update tasks in bulk.
type UpdateEnqueuer interface {
	EnqueueBatch(ctx context.Context, tasks []queue.UpdateTask) ([]string, error)
}

// Producer turns the subscriber list into one UpdateTask per address.
type Producer struct {
	subs storage.SubscriberStore
	log  logx.Logger
}

func NewProducer(subs storage.SubscriberStore, log logx.Logger) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Producer{subs: subs, log: log}
}

// Tasks groups the current subscribers by address in a stable order.
func (p *Producer) Tasks(ctx context.Context) ([]queue.UpdateTask, error) {
	subs, err := p.subs.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	groups, invalid := schedule.GroupSubscribers(subs)
	if invalid > 0 {
		p.log.Warn("skipped subscribers with invalid args", logx.Int("count", invalid))
	}
	keys := schedule.SortedKeys(groups)
	tasks := make([]queue.UpdateTask, 0, len(keys))
	for _, k := range keys {
		tasks = append(tasks, queue.UpdateTask{SubscriptionArgs: k.String(), UserIDs: groups[k]})
	}
	return tasks, nil
}

// Enqueue runs one producer cycle and returns the number of tasks sent.
func (p *Producer) Enqueue(ctx context.Context, q UpdateEnqueuer) (int, error) {
	tasks, err := p.Tasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		p.log.Debug("no subscriptions to sync")
		return 0, nil
	}
	ids, err := q.EnqueueBatch(ctx, tasks)
	if err != nil {
		return len(ids), fmt.Errorf("enqueue update tasks: %w", err)
	}
	p.log.Info("update tasks enqueued", logx.Int("tasks", len(ids)))
	return len(ids), nil
}

// DirectResult summarizes an in-process sync.
type DirectResult struct {
	Changed   int
	Unchanged int
	Failed    int
}

// RunDirect processes every address in-process, bypassing the update queue.
// Notifications still go through proc's enqueuer.
func (p *Producer) RunDirect(ctx context.Context, proc *Processor, concurrency int) (DirectResult, error) {
	tasks, err := p.Tasks(ctx)
	if err != nil {
		return DirectResult{}, err
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu   sync.Mutex
		res  DirectResult
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			out, err := proc.Process(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", t.SubscriptionArgs, err))
			case out == OutcomeChanged:
				res.Changed++
			default:
				res.Unchanged++
			}
			return nil
		})
	}
	_ = g.Wait()
	p.log.Info("direct sync finished",
		logx.Int("changed", res.Changed),
		logx.Int("unchanged", res.Unchanged),
		logx.Int("failed", res.Failed),
	)
	return res, errors.Join(errs...)
}
