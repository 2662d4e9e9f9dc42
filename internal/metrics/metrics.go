// Package metrics exposes pipeline counters and queue depth to Prometheus.
// Counters are fed from the event bus so the pipeline packages stay free of
// metric plumbing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voebot/internal/eventbus"
	"voebot/internal/notifier"
	"voebot/internal/queue"
	"voebot/internal/task/engine"
	"voebot/internal/updater"
)

const namespace = "voebot"

type Metrics struct {
	Registry *prometheus.Registry

	Updates        *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	QueueFailures  *prometheus.CounterVec
	DeadLetters    *prometheus.CounterVec
	Tasks          *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	LastSyncUnixTS prometheus.Gauge
}

// New registers every collector on a fresh registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_updates_total",
			Help:      "Update tasks processed by outcome (changed, unchanged, failed).",
		}, []string{"outcome"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by result (sent, dropped, failed).",
		}, []string{"result"}),
		QueueFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failures_total",
			Help:      "Messages nacked after a failed handler run.",
		}, []string{"queue"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages drained from dead-letter queues.",
		}, []string{"queue"}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Scheduled task runs by name and result.",
		}, []string{"task", "result"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Scheduled task run time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
		LastSyncUnixTS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last successful sync task.",
		}),
	}
}

// WatchBus registers a counter over the bus drop count.
func (m *Metrics) WatchBus(bus eventbus.Bus) {
	promauto.With(m.Registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_total",
		Help:      "Events dropped because a bus subscriber was full.",
	}, func() float64 { return float64(bus.Dropped()) })
}

// Consume turns bus events into counter updates until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case updater.EventChanged:
		m.Updates.WithLabelValues("changed").Inc()
	case updater.EventUnchanged:
		m.Updates.WithLabelValues("unchanged").Inc()
	case updater.EventFailed:
		m.Updates.WithLabelValues("failed").Inc()
	case notifier.EventSent:
		m.Notifications.WithLabelValues("sent").Inc()
	case notifier.EventDropped:
		m.Notifications.WithLabelValues("dropped").Inc()
	case notifier.EventFailed:
		m.Notifications.WithLabelValues("failed").Inc()
	case queue.EventFailed:
		if e, ok := ev.Data.(queue.Event); ok {
			m.QueueFailures.WithLabelValues(e.Queue).Inc()
		}
	case queue.EventDeadLetter:
		if e, ok := ev.Data.(queue.Event); ok {
			m.DeadLetters.WithLabelValues(e.Queue).Inc()
		}
	case engine.EventFinished, engine.EventFailed, engine.EventSkipped, engine.EventDropped:
		item, ok := ev.Data.(engine.HistoryItem)
		if !ok {
			return
		}
		result := map[string]string{
			engine.EventFinished: "ok",
			engine.EventFailed:   "failed",
			engine.EventSkipped:  "skipped",
			engine.EventDropped:  "dropped",
		}[ev.Type]
		m.Tasks.WithLabelValues(item.Name, result).Inc()
		if ev.Type == engine.EventFinished || ev.Type == engine.EventFailed {
			m.TaskDuration.WithLabelValues(item.Name).Observe(item.Duration.Seconds())
		}
		if ev.Type == engine.EventFinished && item.Name == SyncTaskName {
			m.LastSyncUnixTS.Set(float64(item.Started.Add(item.Duration).Unix()))
		}
	}
}

// SyncTaskName is the engine task that runs the periodic sync.
const SyncTaskName = "sync"

// WatchQueues registers a collector that reads queue depth at scrape time.
func (m *Metrics) WatchQueues(qs ...queue.Queue) {
	m.Registry.MustRegister(&depthCollector{queues: qs, timeout: 2 * time.Second})
}

var depthDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "queue", "depth"),
	"Messages per queue and state (ready, delayed, inflight, dead).",
	[]string{"queue", "state"}, nil,
)

type depthCollector struct {
	queues  []queue.Queue
	timeout time.Duration
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- depthDesc }

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	for _, q := range c.queues {
		d, err := q.Depth(ctx)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(depthDesc, err)
			continue
		}
		for state, v := range map[string]int64{"ready": d.Ready, "delayed": d.Delayed, "inflight": d.Inflight, "dead": d.Dead} {
			ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(v), q.Name(), state)
		}
	}
}
