package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"voebot/internal/eventbus"
	"voebot/internal/message"
	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/transport"
	logx "voebot/pkg/logx"
)

// Dispatcher delivers notification tasks. It is safe for concurrent use.
type Dispatcher struct {
	sender transport.Sender
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	d := &Dispatcher{sender: sender, log: log, bus: bus}
	d.applyLocked(cfg)
	return d
}

// Apply swaps the rate limit and rendering options at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = schedule.FixedZone(schedule.DefaultOffset)
	}
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Dispatch sends one task. It returns nil for delivered and dropped
// messages and a *DeliveryError for anything worth retrying.
func (d *Dispatcher) Dispatch(ctx context.Context, t queue.NotificationTask) error {
	cfg, lim := d.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	alias := strings.TrimSpace(t.Alias)
	if alias == "" {
		alias = t.SubscriptionArgs
	}
	text := message.Schedule(t.Data, alias, t.LastUpdatedAt, cfg.Location)

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := d.sender.SendText(sendCtx, transport.ChatTarget{ChatID: t.UserID}, text, &transport.SendOptions{
		ParseMode:      transport.ParseModeMarkdownV2,
		DisablePreview: true,
	})

	ev := DeliveryEvent{UserID: t.UserID, Args: t.SubscriptionArgs}
	log := d.log.With(logx.Int64("user_id", t.UserID), logx.String("args", t.SubscriptionArgs))
	if err == nil {
		log.Debug("notification sent", logx.Int("intervals", len(t.Data)), logx.Int("attempt", t.Attempt))
		d.bus.Publish(eventbus.Event{Type: EventSent, Data: ev})
		return nil
	}

	kind, after := transport.Classify(err)
	ev.Kind = kind.String()
	ev.Error = err.Error()
	switch kind {
	case transport.DeliveryBlocked:
		log.Warn("recipient unreachable; dropping notification", logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: EventDropped, Data: ev})
		return nil
	case transport.DeliveryMalformed:
		log.Error("message rejected; dropping notification", logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: EventDropped, Data: ev})
		return nil
	}

	log.Warn("notification failed",
		logx.String("kind", kind.String()),
		logx.Duration("retry_after", after),
		logx.Int("attempt", t.Attempt),
		logx.Err(err),
	)
	d.bus.Publish(eventbus.Event{Type: EventFailed, Data: ev})
	de := &DeliveryError{Kind: kind, After: after, Err: err}
	var se *transport.SendError
	if errors.As(err, &se) {
		de.Code = se.Code
	}
	return de
}

// Handler adapts Dispatch to a queue handler.
func (d *Dispatcher) Handler() queue.Handler {
	return func(ctx context.Context, del queue.Delivery) error {
		t, err := queue.DecodeNotification(del)
		if err != nil {
			return err
		}
		return d.Dispatch(ctx, t)
	}
}
