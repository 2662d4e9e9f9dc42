package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"voebot/internal/eventbus"
	"voebot/internal/notifier"
	"voebot/internal/queue"
	"voebot/internal/task/engine"
	"voebot/internal/updater"
)

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()

	m := New()
	m.Observe(eventbus.Event{Type: updater.EventChanged})
	m.Observe(eventbus.Event{Type: updater.EventChanged})
	m.Observe(eventbus.Event{Type: updater.EventFailed})
	m.Observe(eventbus.Event{Type: notifier.EventSent})
	m.Observe(eventbus.Event{Type: notifier.EventDropped})
	m.Observe(eventbus.Event{Type: queue.EventFailed, Data: queue.Event{Queue: "updates"}})
	m.Observe(eventbus.Event{Type: queue.EventDeadLetter, Data: queue.Event{Queue: "updates-dlq"}})

	finished := time.Date(2026, 11, 4, 9, 0, 0, 0, time.UTC)
	m.Observe(eventbus.Event{Type: engine.EventFinished, Data: engine.HistoryItem{Name: SyncTaskName, Started: finished, Duration: 0}})

	require.Equal(t, 2.0, testutil.ToFloat64(m.Updates.WithLabelValues("changed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Updates.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("dropped")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.QueueFailures.WithLabelValues("updates")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters.WithLabelValues("updates-dlq")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues(SyncTaskName, "ok")))
	require.Equal(t, float64(finished.Unix()), testutil.ToFloat64(m.LastSyncUnixTS))
}

func TestQueueDepthCollector(t *testing.T) {
	t.Parallel()

	m := New()
	q := queue.NewMemory(queue.Options{Name: "notifications"})
	_, err := q.Send(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	m.WatchQueues(q)

	expected := `
# HELP voebot_queue_depth Messages per queue and state (ready, delayed, inflight, dead).
# TYPE voebot_queue_depth gauge
voebot_queue_depth{queue="notifications",state="dead"} 0
voebot_queue_depth{queue="notifications",state="delayed"} 0
voebot_queue_depth{queue="notifications",state="inflight"} 0
voebot_queue_depth{queue="notifications",state="ready"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "voebot_queue_depth"))
}

func TestConsumeStopsWithContext(t *testing.T) {
	t.Parallel()

	m := New()
	bus := eventbus.New()
	m.WatchBus(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Consume(ctx, bus) }()
	cancel()
	require.NoError(t, <-done)
}
