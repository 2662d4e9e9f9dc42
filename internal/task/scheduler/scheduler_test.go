package scheduler

import (
	"context"
	"testing"
	"time"

	"voebot/internal/task/engine"
	logx "voebot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/30 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every with space", raw: "every 15m", kind: SpecInterval, source: "duration", duration: 15 * time.Minute},
		{name: "every hhmm", raw: "every:00:30", kind: SpecInterval, source: "hhmm", duration: 30 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "1:75", "every -5m", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	err := s.Add(Job{Name: "sync", Spec: "61 * * * *", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected invalid cron error")
	}
	if err := s.Add(Job{Spec: "5m", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestRunNowEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Stop(ctx)
	}()

	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	ran := make(chan struct{}, 1)
	if err := s.Add(Job{Name: "sync", Spec: "*/30 * * * *", Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	if err := s.RunNow("sync"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatal("expected unknown schedule error")
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap.Schedules)
	}
	if snap.Timezone != "UTC" {
		t.Fatalf("Timezone = %s", snap.Timezone)
	}
}

func TestIntervalFirstRunIsJitteredAndBounded(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 11, 4, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		every time.Duration
		bound time.Duration
	}{
		{30 * time.Minute, maxFirstRunJitter},
		{time.Minute, 15 * time.Second},
		{2 * time.Second, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		for range 20 {
			sched, jitter := newIntervalSchedule(tt.every, now)
			if jitter < 0 || jitter >= tt.bound {
				t.Fatalf("every %v: jitter = %v, want [0, %v)", tt.every, jitter, tt.bound)
			}
			first := sched.Next(now)
			if want := now.Add(firstRunDelay + jitter); !first.Equal(want) {
				t.Fatalf("every %v: first = %v, want %v", tt.every, first, want)
			}
			if second := sched.Next(first); second.Sub(first) < tt.every-time.Second {
				t.Fatalf("every %v: second run %v too close to first %v", tt.every, second, first)
			}
		}
	}
}

func TestIntervalJitterZeroForTinyIntervals(t *testing.T) {
	t.Parallel()
	if got := firstRunJitter(0); got != 0 {
		t.Fatalf("firstRunJitter(0) = %v", got)
	}
}
