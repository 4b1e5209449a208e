// Package polling implements the bridge's dual periodic loops (C6):
// positions and open orders. Each loop ticks independently, shares the
// same scheduling discipline (immediate first tick, error-budget
// self-disable, a retry delay capped at backoffCap after failure, no
// overlap), and exposes a
// live PollingStatus snapshot for the operator query API.
//
// The scheduling shape is grounded on the teacher's market scanner — an
// immediate scan before entering the ticker loop — generalized with the
// error-budget and atomic status-snapshot discipline from the teacher's
// risk manager.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tiger-webhook/internal/metrics"
	"tiger-webhook/pkg/types"
)

const backoffCap = 30 * time.Second

// tickFunc runs one pass of a loop's work and reports whether it
// succeeded. A non-nil error counts against the loop's error budget.
type tickFunc func(ctx context.Context) error

// loop is one of the two independent polling loops (positions, orders).
type loop struct {
	name          string
	interval      time.Duration
	maxErrors     int
	shutdownGrace time.Duration
	tick          tickFunc
	onDisabled    func()
	logger        *slog.Logger

	// tickMu serializes runTick so a scheduled tick from Run and an
	// operator-triggered tick from TriggerTick never execute concurrently;
	// whichever arrives second simply waits for the first to finish.
	tickMu sync.Mutex

	mu     sync.Mutex
	status types.PollingStatus
}

func newLoop(name string, interval time.Duration, maxErrors int, shutdownGrace time.Duration, tick tickFunc, onDisabled func(), logger *slog.Logger) *loop {
	return &loop{
		name:          name,
		interval:      interval,
		maxErrors:     maxErrors,
		shutdownGrace: shutdownGrace,
		tick:          tick,
		onDisabled:    onDisabled,
		logger:        logger.With("loop", name),
		status: types.PollingStatus{
			Name:     name,
			Enabled:  true,
			Interval: interval,
		},
	}
}

// Status returns a snapshot of the loop's current state.
func (l *loop) Status() types.PollingStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Enable re-arms a loop that disabled itself after exhausting its error
// budget, or that an operator previously stopped. On an already enabled
// loop it only resets the consecutive-error count.
func (l *loop) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Enabled = true
	l.status.ConsecutiveErrors = 0
	metrics.PollDisabled.WithLabelValues(l.name).Set(0)
}

// Disable stops the loop from self-scheduling further ticks until Enable
// is called again. Distinct from the automatic error-budget disable: this
// is an operator-requested stop and carries no error.
func (l *loop) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Enabled = false
}

// TriggerTick runs one tick immediately, out of band from the loop's own
// schedule, updating status exactly as a scheduled tick would, and
// returns the tick's error.
func (l *loop) TriggerTick(ctx context.Context) error {
	return l.runTick(ctx)
}

// Run drives the loop until ctx is cancelled. It performs one tick
// immediately, then self-schedules: on success the next tick is `interval`
// after the prior tick started (never sooner, and immediately if the prior
// tick overran its interval); after a failure the next tick is delayed by
// at most backoffCap to shorten recovery time.
func (l *loop) Run(ctx context.Context) {
	l.runTick(ctx)

	for {
		l.mu.Lock()
		enabled := l.status.Enabled
		consecutiveErrors := l.status.ConsecutiveErrors
		started := l.status.LastTickStartedAt
		ended := l.status.LastTickEndedAt
		l.mu.Unlock()

		base := l.interval
		if consecutiveErrors > 0 && backoffCap < base {
			base = backoffCap
		}

		var delay time.Duration
		if !enabled {
			delay = l.interval // re-check cadence while disabled, waiting for an operator Enable()
		} else {
			delay = base - ended.Sub(started)
			if delay < 0 {
				delay = 0
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		l.mu.Lock()
		enabled = l.status.Enabled
		l.mu.Unlock()
		if !enabled {
			continue
		}
		l.runTick(ctx)
	}
}

func (l *loop) runTick(parent context.Context) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	l.mu.Lock()
	l.status.LastTickStartedAt = time.Now()
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- l.tick(parent)
	}()

	var err error
	select {
	case err = <-done:
	case <-parent.Done():
		select {
		case err = <-done:
		case <-time.After(l.shutdownGrace):
			l.logger.Warn("tick abandoned after shutdown grace period")
			return parent.Err()
		}
	}

	l.mu.Lock()
	l.status.LastTickEndedAt = time.Now()
	l.status.TickCount++
	var justDisabled bool
	if err != nil {
		l.status.LastError = err.Error()
		l.status.ConsecutiveErrors++
		l.logger.Error("tick failed", "error", err, "consecutive_errors", l.status.ConsecutiveErrors)
		metrics.PollTicks.WithLabelValues(l.name, "error").Inc()
		metrics.PollConsecutiveErrors.WithLabelValues(l.name).Set(float64(l.status.ConsecutiveErrors))
		if l.maxErrors > 0 && l.status.ConsecutiveErrors >= l.maxErrors && l.status.Enabled {
			l.status.Enabled = false
			justDisabled = true
			metrics.PollDisabled.WithLabelValues(l.name).Set(1)
			l.logger.Error("loop disabled after exhausting error budget", "max_errors", l.maxErrors)
		}
	} else {
		l.status.LastError = ""
		l.status.ConsecutiveErrors = 0
		metrics.PollTicks.WithLabelValues(l.name, "ok").Inc()
		metrics.PollConsecutiveErrors.WithLabelValues(l.name).Set(0)
	}
	l.mu.Unlock()

	if justDisabled && l.onDisabled != nil {
		l.onDisabled()
	}
	return err
}
