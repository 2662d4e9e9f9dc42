package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// factory builds a queue under test with the given options. It must also
// return the dead-letter queue wired into opts.
type factory func(t *testing.T, opts Options) (q Queue, dlq Queue)

func runContract(t *testing.T, newQ factory) {
	t.Run("send receive ack", func(t *testing.T) {
		q, _ := newQ(t, Options{Name: "basic"})
		ctx := context.Background()

		ids, err := q.SendBatch(ctx, [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`)})
		require.NoError(t, err)
		require.Len(t, ids, 3)

		got, err := q.Receive(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, ids[0], got[0].ID)
		require.JSONEq(t, `{"n":1}`, string(got[0].Body))
		require.Zero(t, got[0].Attempt)

		d, err := q.Depth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 3, d.Inflight)

		require.NoError(t, q.Ack(ctx, ids...))
		d, err = q.Depth(ctx)
		require.NoError(t, err)
		require.Equal(t, Depth{}, d)

		again, err := q.Receive(ctx, 10, 0)
		require.NoError(t, err)
		require.Empty(t, again)
	})

	t.Run("nack redelivers with stamp", func(t *testing.T) {
		q, _ := newQ(t, Options{Name: "nack", Policy: RetryPolicy{MaxReceives: 3, Base: 20 * time.Millisecond, MaxDelay: time.Second}})
		ctx := context.Background()

		_, err := q.Send(ctx, []byte(`{"subscriptionArgs":"x"}`))
		require.NoError(t, err)
		got, err := q.Receive(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NoError(t, q.Nack(ctx, got[0], errors.New("boom")))

		immediate, err := q.Receive(ctx, 1, 0)
		require.NoError(t, err)
		require.Empty(t, immediate, "nacked message must be delayed")

		again, err := q.Receive(ctx, 1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, got[0].ID, again[0].ID)
		require.Equal(t, 1, again[0].Attempt)

		var body map[string]any
		require.NoError(t, json.Unmarshal(again[0].Body, &body))
		require.EqualValues(t, 1, body["attempt"])
		require.Equal(t, "boom", body["originalError"])
		require.Equal(t, "x", body["subscriptionArgs"])
	})

	t.Run("exhausted goes to dead letter", func(t *testing.T) {
		q, dlq := newQ(t, Options{Name: "dlq", Policy: RetryPolicy{MaxReceives: 2, Base: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}})
		ctx := context.Background()

		_, err := q.Send(ctx, []byte(`{"userId":7}`))
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			got, err := q.Receive(ctx, 1, 2*time.Second)
			require.NoError(t, err)
			require.Len(t, got, 1, "receive %d", i)
			require.NoError(t, q.Nack(ctx, got[0], errors.New("rate limited")))
		}

		d, err := q.Depth(ctx)
		require.NoError(t, err)
		require.Zero(t, d.Ready+d.Delayed+d.Inflight)
		require.EqualValues(t, 1, d.Dead)

		dead, err := dlq.Receive(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		var body map[string]any
		require.NoError(t, json.Unmarshal(dead[0].Body, &body))
		require.EqualValues(t, 2, body["attempt"])
		require.Equal(t, "rate limited", body["originalError"])
		require.EqualValues(t, 7, body["userId"])
	})

	t.Run("visibility timeout redelivers", func(t *testing.T) {
		q, _ := newQ(t, Options{Name: "vis", Visibility: 50 * time.Millisecond, Policy: RetryPolicy{MaxReceives: 5, Base: time.Millisecond, MaxDelay: time.Millisecond}})
		ctx := context.Background()

		id, err := q.Send(ctx, []byte(`{}`))
		require.NoError(t, err)
		first, err := q.Receive(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, first, 1)

		again, err := q.Receive(ctx, 1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, again, 1)
		require.Equal(t, id, again[0].ID)
		require.Equal(t, 1, again[0].Attempt)
	})

	t.Run("nack unknown", func(t *testing.T) {
		q, _ := newQ(t, Options{Name: "unknown"})
		err := q.Nack(context.Background(), Delivery{ID: "missing"}, errors.New("x"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("batch chunks keep order", func(t *testing.T) {
		q, _ := newQ(t, Options{Name: "batch", BatchSize: 10})
		ctx := context.Background()
		bodies := make([][]byte, 25)
		for i := range bodies {
			bodies[i] = []byte(`{}`)
		}
		ids, err := q.SendBatch(ctx, bodies)
		require.NoError(t, err)
		require.Len(t, ids, 25)

		var got []string
		for len(got) < 25 {
			batch, err := q.Receive(ctx, 10, 0)
			require.NoError(t, err)
			require.NotEmpty(t, batch)
			require.LessOrEqual(t, len(batch), 10)
			for _, d := range batch {
				got = append(got, d.ID)
			}
		}
		require.Equal(t, ids, got)
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxReceives: 5, Base: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		cause   error
		want    time.Duration
	}{
		{1, nil, time.Second},
		{2, nil, 2 * time.Second},
		{3, nil, 4 * time.Second},
		{4, nil, 5 * time.Second},
		{1, hintErr(30 * time.Second), 30 * time.Second},
		{3, hintErr(time.Second), 4 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, tt.cause); got != tt.want {
			t.Fatalf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.cause, got, tt.want)
		}
	}
	if p.Exhausted(4) || !p.Exhausted(5) {
		t.Fatal("Exhausted() boundary wrong")
	}
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: time.Minute, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(1, nil)
		if d < 700*time.Millisecond || d > 1300*time.Millisecond {
			t.Fatalf("jittered delay %v out of [0.7s, 1.3s]", d)
		}
	}
}

type hintError struct{ d time.Duration }

func (e hintError) Error() string             { return "slow down" }
func (e hintError) RetryAfter() time.Duration { return e.d }

func hintErr(d time.Duration) error { return hintError{d: d} }

func TestStampBody(t *testing.T) {
	t.Parallel()
	out := stampBody([]byte(`{"a":1,"attempt":0}`), 2, errors.New("x"))
	require.JSONEq(t, `{"a":1,"attempt":2,"originalError":"x"}`, string(out))
	require.Equal(t, "raw", string(stampBody([]byte("raw"), 1, nil)))
}
