package polling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/broker"
	"tiger-webhook/internal/config"
	"tiger-webhook/internal/deltastore"
	"tiger-webhook/pkg/types"
)

// Reconciler is the narrow slice of the execution engine the order loop
// needs, kept local so this package doesn't import internal/execution.
type Reconciler interface {
	TrackedOrders(accountID string) []types.ManagedOrder
	Reconcile(ctx context.Context, accountID, instrumentID string)
}

// Notifier is the narrow slice of C8 this package depends on.
type Notifier interface {
	Notify(ctx context.Context, accountID string, n types.Notification)
}

// Manager owns the positions and orders loops.
type Manager struct {
	positions *loop
	orders    *loop
}

// New builds a Manager wired to gw/store/engine/notifier for the given
// enabled accounts.
func New(cfg config.PollingConfig, deltaCfg config.DeltaConfig, accounts []config.AccountConfig, gw broker.Gateway, store *deltastore.Store, engine Reconciler, notifier Notifier, logger *slog.Logger) *Manager {
	logger = logger.With("component", "polling")
	concurrency := cfg.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = max(1, len(accounts))
	}

	m := &Manager{}
	m.positions = newLoop("positions", cfg.PositionInterval(), cfg.MaxConsecutiveErrors, cfg.ShutdownGrace(),
		func(ctx context.Context) error {
			return positionTick(ctx, accounts, concurrency, gw, store, decimal.NewFromFloat(deltaCfg.ChangeThreshold), logger)
		},
		func() { notifyDisabled(notifier, accounts, "positions") },
		logger,
	)
	m.orders = newLoop("orders", cfg.OrderInterval(), cfg.MaxConsecutiveErrors, cfg.ShutdownGrace(),
		func(ctx context.Context) error {
			return orderTick(ctx, accounts, concurrency, gw, engine, logger)
		},
		func() { notifyDisabled(notifier, accounts, "orders") },
		logger,
	)
	return m
}

func notifyDisabled(notifier Notifier, accounts []config.AccountConfig, loopName string) {
	if notifier == nil {
		return
	}
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		notifier.Notify(context.Background(), a.Name, types.Notification{
			Kind:      types.NotifyPollingDisabled,
			AccountID: a.Name,
			Message:   fmt.Sprintf("%s polling loop disabled after exhausting its error budget", loopName),
			Timestamp: time.Now(),
		})
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.positions.Run(ctx) }()
	go func() { defer wg.Done(); m.orders.Run(ctx) }()
	wg.Wait()
}

// PositionsStatus returns the positions loop's current status.
func (m *Manager) PositionsStatus() types.PollingStatus { return m.positions.Status() }

// OrdersStatus returns the orders loop's current status.
func (m *Manager) OrdersStatus() types.PollingStatus { return m.orders.Status() }

// EnableLoop re-arms a disabled loop by name ("positions" or "orders").
func (m *Manager) EnableLoop(name string) error {
	switch name {
	case "positions":
		m.positions.Enable()
		return nil
	case "orders":
		m.orders.Enable()
		return nil
	default:
		return bridgeerr.New(bridgeerr.Validation, "polling.EnableLoop", "unknown loop "+name)
	}
}

// DisableLoop stops a loop by name ("positions" or "orders") from
// self-scheduling further ticks until it is re-enabled.
func (m *Manager) DisableLoop(name string) error {
	switch name {
	case "positions":
		m.positions.Disable()
		return nil
	case "orders":
		m.orders.Disable()
		return nil
	default:
		return bridgeerr.New(bridgeerr.Validation, "polling.DisableLoop", "unknown loop "+name)
	}
}

// TriggerTick runs one tick of the named loop immediately and returns its
// error, for the operator's manual-tick control endpoints.
func (m *Manager) TriggerTick(ctx context.Context, name string) error {
	switch name {
	case "positions":
		return m.positions.TriggerTick(ctx)
	case "orders":
		return m.orders.TriggerTick(ctx)
	default:
		return bridgeerr.New(bridgeerr.Validation, "polling.TriggerTick", "unknown loop "+name)
	}
}

// forEachAccount runs fn for every enabled account, bounded by concurrency,
// and aggregates failing account names into a single error.
func forEachAccount(ctx context.Context, accounts []config.AccountConfig, concurrency int, fn func(ctx context.Context, account config.AccountConfig) error) error {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, a); err != nil {
				mu.Lock()
				failed = append(failed, a.Name)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		return bridgeerr.New(bridgeerr.Transport, "polling.tick", fmt.Sprintf("%d account(s) failed: %v", len(failed), failed))
	}
	return nil
}
