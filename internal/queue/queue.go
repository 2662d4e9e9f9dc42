// Package queue is the two-stage task transport: a small queue contract with
// redelivery and dead-lettering, in-memory and redis implementations, typed
// gateways for update and notification tasks, and a batch consumer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

var (
	ErrClosed   = errors.New("queue closed")
	ErrNotFound = errors.New("message not found")
)

// DefaultBatchSize matches the batch limit of the hosted queues the pipeline
// was designed against.
const DefaultBatchSize = 10

// Delivery is one received message. Attempt counts earlier failed deliveries.
type Delivery struct {
	ID         string
	Body       []byte
	Attempt    int
	EnqueuedAt time.Time
}

// Depth is a point-in-time view of a queue.
type Depth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	Inflight int64 `json:"inflight"`
	Dead     int64 `json:"dead"`
}

type Queue interface {
	Name() string
	Send(ctx context.Context, body []byte) (string, error)
	// SendBatch enqueues bodies in chunks; ids are returned in input order.
	SendBatch(ctx context.Context, bodies [][]byte) ([]string, error)
	// Receive returns up to limit messages, waiting at most wait for the first one.
	// Received messages stay invisible until acked, nacked or the visibility
	// timeout expires.
	Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	// Nack records a failed delivery: the message is retried later or moved
	// to the dead-letter queue once MaxReceives is reached.
	Nack(ctx context.Context, d Delivery, cause error) error
	Depth(ctx context.Context) (Depth, error)
}

// RetryPolicy controls redelivery of nacked or expired messages.
type RetryPolicy struct {
	MaxReceives int
	Base        time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxReceives <= 0 {
		p.MaxReceives = 3
	}
	if p.Base <= 0 {
		p.Base = 5 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	return p
}

// Delay is the redelivery delay after the given failed attempt (1-based).
// A retry hint carried by cause wins when it is longer.
func (p RetryPolicy) Delay(attempt int, cause error) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter {
		// Jitter 0.7..1.3
		j := 0.7 + rand.Float64()*0.6 // #nosec G404 -- jitter only
		d = time.Duration(float64(d) * j)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if hint := RetryHint(cause); hint > d {
		d = hint
	}
	return d
}

// Exhausted reports whether a message that failed attempt times goes to the DLQ.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxReceives
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

// RetryHint extracts a RetryAfter() hint from an error chain.
func RetryHint(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

var errVisibilityExpired = errors.New("visibility timeout expired")

// stampBody writes attempt and originalError into a JSON object body.
// Non-object bodies are returned unchanged.
func stampBody(body []byte, attempt int, cause error) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		return body
	}
	a, _ := json.Marshal(attempt)
	m["attempt"] = a
	if cause != nil {
		e, _ := json.Marshal(cause.Error())
		m["originalError"] = e
	}
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

func chunk(bodies [][]byte, size int) [][][]byte {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][][]byte
	for len(bodies) > 0 {
		n := size
		if n > len(bodies) {
			n = len(bodies)
		}
		out = append(out, bodies[:n])
		bodies = bodies[n:]
	}
	return out
}
