package queue

import "time"

// Options configures a queue implementation.
type Options struct {
	Name string
	// Visibility is how long a received message stays hidden before it is
	// redelivered as a failed attempt.
	Visibility time.Duration
	BatchSize  int
	Policy     RetryPolicy
	// DeadLetter receives exhausted messages. Nil drops them.
	DeadLetter Queue
}

func (o Options) normalized() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	o.Policy = o.Policy.normalized()
	return o
}
