// Package notify implements the bridge's best-effort notifier (C8): a
// small dispatcher that fans structured Notifications out to whichever
// Sink the operator configured, retrying transient failures a bounded
// number of times with linear backoff. Delivery is always asynchronous to
// the caller and never returns an error — the caller's job is to trade,
// not to babysit an alert channel.
package notify

import (
	"context"
	"log/slog"
	"time"

	"tiger-webhook/internal/config"
	"tiger-webhook/internal/metrics"
	"tiger-webhook/pkg/types"
)

// Sink delivers one Notification to a channel descriptor. Implementations
// should treat channel opaquely; its meaning (webhook room, chat ID alias)
// is up to the concrete sink.
type Sink interface {
	Send(ctx context.Context, channel string, n types.Notification) error
}

// Dispatcher resolves an account to its configured channel and delegates
// delivery to a Sink, retrying on failure.
type Dispatcher struct {
	sink       Sink
	channels   map[string]string
	maxRetries int
	logger     *slog.Logger
}

// NewDispatcher builds a Dispatcher over sink, resolving each account's
// channel from its NotifierChannel field.
func NewDispatcher(sink Sink, accounts []config.AccountConfig, maxRetries int, logger *slog.Logger) *Dispatcher {
	channels := make(map[string]string, len(accounts))
	for _, a := range accounts {
		channels[a.Name] = a.NotifierChannel
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Dispatcher{
		sink:       sink,
		channels:   channels,
		maxRetries: maxRetries,
		logger:     logger.With("component", "notify"),
	}
}

// Notify satisfies every component's narrow Notifier interface. It never
// blocks the caller: delivery, including retries, happens on a detached
// goroutine.
func (d *Dispatcher) Notify(ctx context.Context, accountID string, n types.Notification) {
	if d.sink == nil {
		return
	}
	channel := d.channels[accountID]
	deliverCtx := context.WithoutCancel(ctx)
	go d.deliver(deliverCtx, channel, n)
}

func (d *Dispatcher) deliver(ctx context.Context, channel string, n types.Notification) {
	var err error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if err = d.sink.Send(ctx, channel, n); err == nil {
			return
		}
		if attempt < d.maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	d.logger.Error("notification delivery failed after retries",
		"channel", channel, "kind", n.Kind, "account", n.AccountID, "error", err)
	metrics.NotifyFailures.WithLabelValues(channel).Inc()
}
