package queue

import (
	"context"
	"encoding/json"

	"voebot/internal/eventbus"
	logx "voebot/pkg/logx"
)

// deadLetterBody is the subset of both task shapes the monitor reports on.
type deadLetterBody struct {
	SubscriptionArgs string  `json:"subscriptionArgs"`
	UserID           int64   `json:"userId"`
	UserIDs          []int64 `json:"userIds"`
	Attempt          int     `json:"attempt"`
	OriginalError    string  `json:"originalError"`
}

// NewDeadLetterMonitor returns a consumer that logs every dead-lettered
// message at error level, publishes EventDeadLetter and acknowledges it.
// It never retries or repairs anything.
func NewDeadLetterMonitor(dlq Queue, opts ConsumerOptions) *Consumer {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opts.Bus
	h := func(_ context.Context, batch []Delivery) []Failure {
		for _, d := range batch {
			var b deadLetterBody
			fields := []logx.Field{logx.String("dlq", dlq.Name()), logx.String("id", d.ID)}
			if err := json.Unmarshal(d.Body, &b); err != nil {
				fields = append(fields, logx.String("raw", string(d.Body)))
			} else {
				fields = append(fields,
					logx.String("subscription_args", b.SubscriptionArgs),
					logx.Int("attempt", b.Attempt),
					logx.String("original_error", b.OriginalError),
				)
				if b.UserID != 0 {
					fields = append(fields, logx.Int64("user_id", b.UserID))
				}
				if len(b.UserIDs) > 0 {
					fields = append(fields, logx.Int("users", len(b.UserIDs)))
				}
			}
			log.Error("dead letter received", fields...)
			if bus != nil {
				bus.Publish(eventbus.Event{Type: EventDeadLetter, Data: Event{Queue: dlq.Name(), ID: d.ID, Attempt: b.Attempt, Error: b.OriginalError}})
			}
		}
		return nil
	}
	return NewConsumer(dlq, h, opts)
}
