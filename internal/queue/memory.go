package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMsg struct {
	id         string
	body       []byte
	attempt    int
	enqueuedAt time.Time
	due        time.Time
	deadline   time.Time
}

// Memory is an in-process Queue. It is safe for concurrent use.
type Memory struct {
	opts Options

	mu       sync.Mutex
	ready    []*memMsg
	delayed  []*memMsg
	inflight map[string]*memMsg
	wake     chan struct{}
	closed   bool
}

var _ Queue = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts.normalized(),
		inflight: map[string]*memMsg{},
		wake:     make(chan struct{}),
	}
}

func (m *Memory) Name() string { return m.opts.Name }

func (m *Memory) signalLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) Send(ctx context.Context, body []byte) (string, error) {
	ids, err := m.SendBatch(ctx, [][]byte{body})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (m *Memory) SendBatch(ctx context.Context, bodies [][]byte) ([]string, error) {
	ids := make([]string, 0, len(bodies))
	for _, part := range chunk(bodies, m.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ids, ErrClosed
		}
		now := time.Now()
		for _, b := range part {
			msg := &memMsg{id: uuid.NewString(), body: append([]byte(nil), b...), enqueuedAt: now}
			m.ready = append(m.ready, msg)
			ids = append(ids, msg.id)
		}
		m.signalLocked()
		m.mu.Unlock()
	}
	return ids, nil
}

// promoteLocked moves due delayed messages to ready and detaches expired
// inflight ones. It returns the detached messages and the next instant
// something becomes due.
func (m *Memory) promoteLocked(now time.Time) (expired []*memMsg, next time.Time) {
	keep := m.delayed[:0]
	for _, msg := range m.delayed {
		if !msg.due.After(now) {
			m.ready = append(m.ready, msg)
			continue
		}
		keep = append(keep, msg)
		if next.IsZero() || msg.due.Before(next) {
			next = msg.due
		}
	}
	m.delayed = keep

	for id, msg := range m.inflight {
		if !msg.deadline.After(now) {
			delete(m.inflight, id)
			expired = append(expired, msg)
			continue
		}
		if next.IsZero() || msg.deadline.Before(next) {
			next = msg.deadline
		}
	}
	return expired, next
}

func (m *Memory) Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = m.opts.BatchSize
	}
	until := time.Now().Add(wait)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		expired, _ := m.promoteLocked(time.Now())
		m.mu.Unlock()

		// Every expired message is detached; each must land somewhere.
		var errs []error
		for _, msg := range expired {
			if err := m.fail(ctx, msg, errVisibilityExpired); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}

		m.mu.Lock()
		now := time.Now()
		_, next := m.promoteLocked(now)
		n := min(limit, len(m.ready))
		out := make([]Delivery, 0, n)
		for _, msg := range m.ready[:n] {
			msg.deadline = now.Add(m.opts.Visibility)
			m.inflight[msg.id] = msg
			out = append(out, Delivery{ID: msg.id, Body: append([]byte(nil), msg.body...), Attempt: msg.attempt, EnqueuedAt: msg.enqueuedAt})
		}
		m.ready = m.ready[n:]
		wake := m.wake
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		remaining := time.Until(until)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := remaining
		if !next.IsZero() {
			if d := time.Until(next); d < sleep {
				sleep = max(d, time.Millisecond)
			}
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (m *Memory) Ack(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.inflight, id)
	}
	return nil
}

func (m *Memory) Nack(ctx context.Context, d Delivery, cause error) error {
	m.mu.Lock()
	msg, ok := m.inflight[d.ID]
	if ok {
		delete(m.inflight, d.ID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.fail(ctx, msg, cause)
}

// fail applies the retry policy to a detached message.
func (m *Memory) fail(ctx context.Context, msg *memMsg, cause error) error {
	attempt := msg.attempt + 1
	body := stampBody(msg.body, attempt, cause)

	if m.opts.Policy.Exhausted(attempt) {
		if m.opts.DeadLetter == nil {
			return nil
		}
		if _, err := m.opts.DeadLetter.Send(ctx, body); err != nil {
			// Keep the message rather than lose it; it is retried later.
			m.requeue(msg, msg.attempt, msg.body, m.opts.Policy.Delay(attempt, cause))
			return err
		}
		return nil
	}
	m.requeue(msg, attempt, body, m.opts.Policy.Delay(attempt, cause))
	return nil
}

func (m *Memory) requeue(msg *memMsg, attempt int, body []byte, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.attempt = attempt
	msg.body = body
	msg.due = time.Now().Add(delay)
	msg.deadline = time.Time{}
	m.delayed = append(m.delayed, msg)
	m.signalLocked()
}

func (m *Memory) Depth(ctx context.Context) (Depth, error) {
	m.mu.Lock()
	d := Depth{Ready: int64(len(m.ready)), Delayed: int64(len(m.delayed)), Inflight: int64(len(m.inflight))}
	m.mu.Unlock()
	if m.opts.DeadLetter != nil {
		dd, err := m.opts.DeadLetter.Depth(ctx)
		if err != nil {
			return d, err
		}
		d.Dead = dd.Ready + dd.Delayed + dd.Inflight
	}
	return d, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.signalLocked()
	}
	return nil
}
