// Package scheduler turns schedule strings into triggers. It owns the cron
// clock and enqueues jobs into the task engine; execution, retry and overlap
// handling stay in the engine.
package scheduler
