package schedule

import "time"

// DemoIntervals is the synthetic schedule served for DemoArgs.
func DemoIntervals(now time.Time) []Interval {
	base := now.Truncate(time.Minute)
	return Merge([]Interval{
		{From: base.Add(2 * time.Hour), To: base.Add(6 * time.Hour), Certainty: Possible},
		{From: base.Add(24 * time.Hour), To: base.Add(28 * time.Hour), Certainty: Possible},
		{From: base.Add(48 * time.Hour), To: base.Add(51 * time.Hour), Certainty: Confirmed},
	})
}
