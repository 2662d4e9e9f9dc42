package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// firstRunDelay keeps the first run strictly after the time the job
	// was added, which is also cron.Every's resolution.
	firstRunDelay = time.Second
	// maxFirstRunJitter caps the random part of the first run's delay.
	maxFirstRunJitter = 30 * time.Second
)

// intervalSchedule runs once at first, then every base interval after it.
type intervalSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// newIntervalSchedule returns the schedule of an "every" job added at now
// and the jitter applied to its first run.
func newIntervalSchedule(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	jitter := firstRunJitter(every)
	return &intervalSchedule{base: cron.Every(every), first: now.Add(firstRunDelay + jitter)}, jitter
}

// firstRunJitter is uniform in [0, min(every/4, maxFirstRunJitter)), so the
// first run always lands well before the second.
func firstRunJitter(every time.Duration) time.Duration {
	bound := min(every/4, maxFirstRunJitter)
	if bound <= 0 {
		return 0
	}
	return rand.N(bound) // #nosec G404 -- jitter only
}
