package notifier

import (
	"fmt"
	"time"

	"voebot/internal/transport"
)

// Config controls delivery.
type Config struct {
	// RatePerSec is the global send rate (default 25, below the Telegram
	// bot limit of 30 messages per second).
	RatePerSec int
	// SendTimeout bounds one API call (default 15s).
	SendTimeout time.Duration
	// Location renders times in messages (default UTC+3).
	Location *time.Location
}

const (
	EventSent    = "notifier.sent"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

// DeliveryEvent is emitted on the event bus for every classified send.
type DeliveryEvent struct {
	UserID int64  `json:"user_id"`
	Args   string `json:"args"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DeliveryError is a retryable send failure. RetryAfter exposes the
// remote's hint so the queue delays redelivery at least that long.
type DeliveryError struct {
	Kind  transport.DeliveryKind
	Code  int
	After time.Duration
	Err   error
}

func (e *DeliveryError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("deliver (%s, retry after %s): %v", e.Kind, e.After, e.Err)
	}
	return fmt.Sprintf("deliver (%s): %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) RetryAfter() time.Duration { return e.After }
