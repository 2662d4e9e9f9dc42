package schedule

import (
	"fmt"
	"time"
)

// Interval is one outage window. From is inclusive, To exclusive.
type Interval struct {
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Certainty Certainty `json:"possibility"`
}

func (iv Interval) Valid() bool { return iv.From.Before(iv.To) }

func (iv Interval) Duration() time.Duration { return iv.To.Sub(iv.From) }

func (iv Interval) String() string {
	return fmt.Sprintf("%s..%s %s", iv.From.Format(time.RFC3339), iv.To.Format(time.RFC3339), iv.Certainty)
}
