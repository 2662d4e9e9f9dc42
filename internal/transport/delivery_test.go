package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		want      DeliveryKind
		wantRetry time.Duration
	}{
		{"blocked", &SendError{Code: 403, Description: "Forbidden: bot was blocked by the user"}, DeliveryBlocked, 0},
		{"chat not found", &SendError{Code: 400, Description: "Bad Request: chat not found"}, DeliveryBlocked, 0},
		{"bad markup", &SendError{Code: 400, Description: "Bad Request: can't parse entities"}, DeliveryMalformed, 0},
		{"flood", &SendError{Code: 429, RetryAfter: 5 * time.Second}, DeliveryRateLimited, 5 * time.Second},
		{"server", &SendError{Code: 502}, DeliveryOther, 0},
		{"wrapped", fmt.Errorf("send: %w", &SendError{Code: 403}), DeliveryBlocked, 0},
		{"plain", errors.New("timeout"), DeliveryOther, 0},
	}
	for _, tt := range tests {
		kind, retry := Classify(tt.err)
		if kind != tt.want || retry != tt.wantRetry {
			t.Fatalf("%s: Classify = (%v, %v), want (%v, %v)", tt.name, kind, retry, tt.want, tt.wantRetry)
		}
	}
}

func TestDeliveryKindRetryable(t *testing.T) {
	t.Parallel()
	if DeliveryBlocked.Retryable() || DeliveryMalformed.Retryable() {
		t.Fatal("blocked/malformed must not be retried")
	}
	if !DeliveryRateLimited.Retryable() || !DeliveryOther.Retryable() {
		t.Fatal("rate limited/other must be retried")
	}
	if DeliveryRateLimited.String() != "rate_limited" {
		t.Fatalf("String() = %q", DeliveryRateLimited.String())
	}
}
