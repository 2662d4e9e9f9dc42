package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults for the duration fields the sync pipeline depends on.
const (
	DefaultSourceTimeout  = 20 * time.Second
	DefaultFetchAttempts  = 3
	DefaultFetchBackoff   = time.Second
	DefaultHandlerTimeout = 90 * time.Second
	DefaultVisibility     = 2 * time.Minute

	// handlerSlack covers the store write and notification fan-out that
	// follow a fetch, and the gap between handler deadline and redelivery.
	handlerSlack = 15 * time.Second
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. Errors are prefixed with path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// FetchBudget is the longest one update task can spend fetching: every
// attempt running into source.timeout plus the doubling backoff between
// attempts.
func FetchBudget(src SourceConfig) (time.Duration, error) {
	timeout, err := ParseDurationOrDefault("source.timeout", src.Timeout, DefaultSourceTimeout)
	if err != nil {
		return 0, err
	}
	backoff, err := ParseDurationOrDefault("source.fetch_backoff", src.FetchBackoff, DefaultFetchBackoff)
	if err != nil {
		return 0, err
	}
	attempts := src.FetchAttempts
	if attempts <= 0 {
		attempts = DefaultFetchAttempts
	}
	budget := time.Duration(attempts) * timeout
	for i := 0; i < attempts-1; i++ {
		budget += backoff << i
	}
	return budget, nil
}

// QueueTimeouts resolves queue.handler_timeout and queue.visibility_timeout.
// Unset values are derived from the fetch budget. Set values must leave the
// update handler room for every fetch attempt, and a message must stay
// invisible for longer than its handler may run.
func QueueTimeouts(cfg *Config) (handler, visibility time.Duration, err error) {
	budget, err := FetchBudget(cfg.Source)
	if err != nil {
		return 0, 0, err
	}
	handler, err = ParseDurationField("queue.handler_timeout", cfg.Queue.HandlerTimeout)
	if err != nil {
		return 0, 0, err
	}
	switch {
	case handler == 0:
		handler = max(DefaultHandlerTimeout, budget+handlerSlack)
	case handler < budget:
		return 0, 0, fmt.Errorf("queue.handler_timeout: %s is shorter than the fetch retry budget %s (source.fetch_attempts x source.timeout + backoff)", handler, budget)
	}

	visibility, err = ParseDurationField("queue.visibility_timeout", cfg.Queue.VisibilityTimeout)
	if err != nil {
		return 0, 0, err
	}
	switch {
	case visibility == 0:
		visibility = max(DefaultVisibility, handler+handlerSlack)
	case visibility <= handler:
		return 0, 0, fmt.Errorf("queue.visibility_timeout: %s must exceed queue.handler_timeout %s", visibility, handler)
	}
	return handler, visibility, nil
}
