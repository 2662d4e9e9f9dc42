package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"voebot/internal/eventbus"
	logx "voebot/pkg/logx"
)

// Failure marks one delivery of a batch as failed.
type Failure struct {
	ID  string
	Err error
}

// BatchHandler processes a batch and reports only the failed deliveries.
// Deliveries not listed are acknowledged.
type BatchHandler func(ctx context.Context, batch []Delivery) []Failure

// Handler processes a single delivery.
type Handler func(ctx context.Context, d Delivery) error

// PerMessage builds a BatchHandler that runs h for every delivery
// independently, bounded by timeout and at most concurrency at a time.
// A failing or panicking delivery never affects the others.
func PerMessage(h Handler, timeout time.Duration, concurrency int) BatchHandler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return func(ctx context.Context, batch []Delivery) []Failure {
		var (
			mu    sync.Mutex
			fails []Failure
		)
		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, d := range batch {
			g.Go(func() error {
				if err := runOne(ctx, h, d, timeout); err != nil {
					mu.Lock()
					fails = append(fails, Failure{ID: d.ID, Err: err})
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		return fails
	}
}

func runOne(ctx context.Context, h Handler, d Delivery, timeout time.Duration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h(ctx, d)
}

type ConsumerOptions struct {
	BatchSize int
	// Wait is the long-poll window of one Receive call.
	Wait   time.Duration
	Logger logx.Logger
	Bus    eventbus.Bus
}

// Consumer drives the receive → handle → ack/nack loop for one queue.
type Consumer struct {
	q    Queue
	h    BatchHandler
	opts ConsumerOptions
	log  logx.Logger
}

func NewConsumer(q Queue, h BatchHandler, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Second
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{q: q, h: h, opts: opts, log: log.With(logx.String("queue", q.Name()))}
}

// Run polls until ctx is done or the queue is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.Poll(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}
	}
}

// Poll runs one receive/handle cycle and returns the number of deliveries handled.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	batch, err := c.q.Receive(ctx, c.opts.BatchSize, c.opts.Wait)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	fails := c.h(ctx, batch)
	failed := make(map[string]error, len(fails))
	for _, f := range fails {
		failed[f.ID] = f.Err
	}

	acks := make([]string, 0, len(batch))
	for _, d := range batch {
		cause, bad := failed[d.ID]
		if !bad {
			acks = append(acks, d.ID)
			continue
		}
		if cause == nil {
			cause = errors.New("unknown failure")
		}
		c.log.Warn("message failed",
			logx.String("id", d.ID),
			logx.Int("attempt", d.Attempt+1),
			logx.Err(cause),
		)
		// Use a context that survives shutdown so the failure is recorded.
		if err := c.q.Nack(context.WithoutCancel(ctx), d, cause); err != nil && !errors.Is(err, ErrNotFound) {
			c.log.Error("nack failed", logx.String("id", d.ID), logx.Err(err))
		}
		c.publish(EventFailed, d, cause)
	}
	if len(acks) > 0 {
		if err := c.q.Ack(context.WithoutCancel(ctx), acks...); err != nil {
			c.log.Error("ack failed", logx.Int("count", len(acks)), logx.Err(err))
			return len(batch), err
		}
	}
	c.log.Debug("batch handled", logx.Int("size", len(batch)), logx.Int("failed", len(fails)))
	return len(batch), nil
}

const (
	EventFailed     = "queue.failed"
	EventDeadLetter = "deadletter.received"
)

// Event is the payload of queue events on the bus.
type Event struct {
	Queue   string `json:"queue"`
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

func (c *Consumer) publish(typ string, d Delivery, cause error) {
	if c.opts.Bus == nil {
		return
	}
	ev := Event{Queue: c.q.Name(), ID: d.ID, Attempt: d.Attempt + 1}
	if cause != nil {
		ev.Error = cause.Error()
	}
	c.opts.Bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
