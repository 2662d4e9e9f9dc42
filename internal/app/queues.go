package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"voebot/internal/queue"
)

const (
	UpdateQueueName       = "update"
	NotificationQueueName = "notification"
	dlqSuffix             = "-dlq"
)

// Queues is the set of pipeline queues with their dead-letter queues.
type Queues struct {
	Driver          string
	Update          queue.Queue
	Notification    queue.Queue
	UpdateDLQ       queue.Queue
	NotificationDLQ queue.Queue

	client *redis.Client
}

// All lists every queue, dead-letter queues last.
func (q *Queues) All() []queue.Queue {
	return []queue.Queue{q.Update, q.Notification, q.UpdateDLQ, q.NotificationDLQ}
}

// Shared reports whether the queues outlive this process.
func (q *Queues) Shared() bool { return q.Driver == "redis" }

func (q *Queues) Close() error {
	var errs []error
	for _, qu := range q.All() {
		if c, ok := qu.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	if q.client != nil {
		errs = append(errs, q.client.Close())
	}
	return errors.Join(errs...)
}

func openQueues(ctx context.Context, s queueSettings) (*Queues, error) {
	opts := func(name string, st stageSettings, dlq queue.Queue) queue.Options {
		return queue.Options{
			Name:       name,
			Visibility: s.Visibility,
			BatchSize:  s.BatchSize,
			Policy:     st.Policy,
			DeadLetter: dlq,
		}
	}
	dlqOpts := func(name string) queue.Options {
		return queue.Options{Name: name + dlqSuffix, Visibility: s.Visibility, BatchSize: s.BatchSize}
	}

	switch s.Driver {
	case "memory":
		udlq := queue.NewMemory(dlqOpts(UpdateQueueName))
		ndlq := queue.NewMemory(dlqOpts(NotificationQueueName))
		return &Queues{
			Driver:          s.Driver,
			Update:          queue.NewMemory(opts(UpdateQueueName, s.Update, udlq)),
			Notification:    queue.NewMemory(opts(NotificationQueueName, s.Notification, ndlq)),
			UpdateDLQ:       udlq,
			NotificationDLQ: ndlq,
		}, nil
	case "redis":
		client, err := queue.DialRedis(ctx, s.Redis)
		if err != nil {
			return nil, err
		}
		udlq := queue.NewRedis(client, s.Redis.Prefix, dlqOpts(UpdateQueueName))
		ndlq := queue.NewRedis(client, s.Redis.Prefix, dlqOpts(NotificationQueueName))
		return &Queues{
			Driver:          s.Driver,
			Update:          queue.NewRedis(client, s.Redis.Prefix, opts(UpdateQueueName, s.Update, udlq)),
			Notification:    queue.NewRedis(client, s.Redis.Prefix, opts(NotificationQueueName, s.Notification, ndlq)),
			UpdateDLQ:       udlq,
			NotificationDLQ: ndlq,
			client:          client,
		}, nil
	default:
		return nil, fmt.Errorf("unknown queue.driver: %s", s.Driver)
	}
}
