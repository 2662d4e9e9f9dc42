package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DeliveryKind is the closed set of outcomes a failed send can be classified into.
type DeliveryKind int

const (
	// DeliveryOther is any failure that is not one of the known classes. Retried.
	DeliveryOther DeliveryKind = iota
	// DeliveryBlocked means the recipient blocked the bot or the chat is unreachable. Dropped.
	DeliveryBlocked
	// DeliveryMalformed means the request itself was rejected (bad formatting). Dropped.
	DeliveryMalformed
	// DeliveryRateLimited means the remote asked us to slow down. Retried.
	DeliveryRateLimited
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryBlocked:
		return "blocked"
	case DeliveryMalformed:
		return "malformed"
	case DeliveryRateLimited:
		return "rate_limited"
	default:
		return "other"
	}
}

// Retryable reports whether the message should be redelivered later.
func (k DeliveryKind) Retryable() bool {
	return k == DeliveryRateLimited || k == DeliveryOther
}

// SendError is a remote API failure reported by a Sender.
type SendError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *SendError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("send failed (%d): %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("send failed (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("send failed (%d)", e.Code)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps a send error onto a DeliveryKind. The returned duration is the
// remote retry hint (only set for DeliveryRateLimited).
func Classify(err error) (DeliveryKind, time.Duration) {
	if err == nil {
		return DeliveryOther, 0
	}
	var se *SendError
	if !errors.As(err, &se) {
		return DeliveryOther, 0
	}
	desc := strings.ToLower(se.Description)
	switch {
	case se.Code == 429:
		return DeliveryRateLimited, se.RetryAfter
	case se.Code == 403:
		return DeliveryBlocked, 0
	case se.Code == 400 && (strings.Contains(desc, "chat not found") || strings.Contains(desc, "user not found")):
		return DeliveryBlocked, 0
	case se.Code == 400:
		return DeliveryMalformed, 0
	default:
		return DeliveryOther, 0
	}
}
