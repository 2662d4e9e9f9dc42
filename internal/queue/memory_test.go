package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newMemoryPair(t *testing.T, opts Options) (Queue, Queue) {
	t.Helper()
	dlq := NewMemory(Options{Name: opts.Name + "-dlq"})
	opts.DeadLetter = dlq
	q := NewMemory(opts)
	t.Cleanup(func() { _ = q.Close(); _ = dlq.Close() })
	return q, dlq
}

func TestMemoryQueue(t *testing.T) {
	t.Parallel()
	runContract(t, newMemoryPair)
}

func TestMemoryReceiveWakesOnSend(t *testing.T) {
	t.Parallel()
	q := NewMemory(Options{Name: "wake"})
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Send(ctx, []byte(`{}`))
	}()
	start := time.Now()
	got, err := q.Receive(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()
	q := NewMemory(Options{})
	require.NoError(t, q.Close())
	_, err := q.Send(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.Receive(context.Background(), 1, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryReceiveHonorsContext(t *testing.T) {
	t.Parallel()
	q := NewMemory(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx, 1, 10*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryExpiredSurviveDeadLetterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dlq := NewMemory(Options{Name: "expire-dlq"})
	q := NewMemory(Options{
		Name:       "expire",
		Visibility: 10 * time.Millisecond,
		Policy:     RetryPolicy{MaxReceives: 1, Base: time.Minute},
		DeadLetter: dlq,
	})
	t.Cleanup(func() { _ = q.Close() })

	_, err := q.SendBatch(ctx, [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`)})
	require.NoError(t, err)
	got, err := q.Receive(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NoError(t, dlq.Close())
	time.Sleep(30 * time.Millisecond)

	_, err = q.Receive(ctx, 3, 0)
	require.ErrorIs(t, err, ErrClosed)

	q.mu.Lock()
	delayed, inflight := len(q.delayed), len(q.inflight)
	q.mu.Unlock()
	require.Equal(t, 3, delayed, "every expired message is kept for a later retry")
	require.Zero(t, inflight)
}
