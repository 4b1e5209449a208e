package polling

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"tiger-webhook/internal/broker"
	"tiger-webhook/internal/config"
	"tiger-webhook/internal/deltastore"
	"tiger-webhook/pkg/types"
)

// positionTick runs one pass of the positions loop: for every enabled
// account it fetches the broker's authoritative positions and writes an
// observe DeltaRecord for any instrument whose delta moved by more than
// changeThreshold since the last recorded value.
func positionTick(ctx context.Context, accounts []config.AccountConfig, concurrency int, gw broker.Gateway, store *deltastore.Store, changeThreshold decimal.Decimal, logger *slog.Logger) error {
	return forEachAccount(ctx, accounts, concurrency, func(ctx context.Context, account config.AccountConfig) error {
		positions, err := gw.GetPositions(ctx, account.Name)
		if err != nil {
			logger.Error("fetch positions failed", "account", account.Name, "error", err)
			return err
		}

		for _, pos := range positions {
			prior, err := store.LatestByInstrument(ctx, account.Name, pos.InstrumentID)
			if err != nil {
				logger.Error("read last delta record failed", "account", account.Name, "instrument", pos.InstrumentID, "error", err)
				return err
			}

			moved := prior == nil || prior.ObservedDelta == nil
			if !moved {
				diff := pos.Delta.Sub(*prior.ObservedDelta).Abs()
				moved = diff.GreaterThan(changeThreshold)
			}
			if !moved {
				continue
			}

			observed := pos.Delta
			rec := types.DeltaRecord{
				AccountID:     account.Name,
				InstrumentID:  pos.InstrumentID,
				Action:        types.ActionObserve,
				ObservedDelta: &observed,
			}
			if err := store.Upsert(ctx, rec); err != nil {
				logger.Error("write observe delta record failed", "account", account.Name, "instrument", pos.InstrumentID, "error", err)
				return err
			}
		}
		return nil
	})
}

// orderTick runs one pass of the orders loop: for every enabled account it
// fetches the broker's resident open orders and reconciles them against the
// engine's tracked orders. Orders the engine is still tracking but that the
// broker no longer lists are nudged through Reconcile, since a vanished
// resting order almost always means it filled or was cancelled out of band.
// Broker orders the engine doesn't know about are logged as external
// activity but otherwise left alone.
func orderTick(ctx context.Context, accounts []config.AccountConfig, concurrency int, gw broker.Gateway, engine Reconciler, logger *slog.Logger) error {
	return forEachAccount(ctx, accounts, concurrency, func(ctx context.Context, account config.AccountConfig) error {
		openOrders, err := gw.GetOpenOrders(ctx, account.Name)
		if err != nil {
			logger.Error("fetch open orders failed", "account", account.Name, "error", err)
			return err
		}

		byInstrument := make(map[string]bool, len(openOrders))
		for _, o := range openOrders {
			byInstrument[o.InstrumentID] = true
		}

		tracked := engine.TrackedOrders(account.Name)
		trackedInstruments := make(map[string]bool, len(tracked))
		for _, mo := range tracked {
			trackedInstruments[mo.Intent.InstrumentID] = true
			if !byInstrument[mo.Intent.InstrumentID] {
				logger.Warn("tracked order missing from broker open orders, reconciling",
					"account", account.Name, "instrument", mo.Intent.InstrumentID, "state", mo.State)
				engine.Reconcile(ctx, account.Name, mo.Intent.InstrumentID)
			}
		}

		for instrumentID := range byInstrument {
			if !trackedInstruments[instrumentID] {
				logger.Info("broker open order not tracked by engine",
					"account", account.Name, "instrument", instrumentID)
			}
		}
		return nil
	})
}
