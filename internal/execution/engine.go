// Package execution implements the progressive limit-order engine (C5): one
// goroutine per (account, instrument) order, walking the limit price from
// the passive touch toward the aggressive touch on a fixed interval until
// it fills, exhausts its step budget, or is cancelled.
//
// The goroutine-per-slot ownership mirrors the teacher's per-market maker
// goroutines: each ManagedOrder's stepping is driven by the goroutine that
// owns it, while Cancel, ObserveFill and Reconcile update it from the
// caller's goroutine under the order's mutex. Readers get a snapshot copy.
package execution

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
	"tiger-webhook/internal/pricing"
	"tiger-webhook/pkg/types"
)

// Notifier is the narrow slice of C8 the execution engine depends on, kept
// as a local interface so this package never imports internal/notify
// directly.
type Notifier interface {
	Notify(ctx context.Context, accountID string, n types.Notification)
}

// Engine owns every in-flight ManagedOrder. Safe for concurrent use.
type Engine struct {
	gw       broker.Gateway
	store    *deltastore.Store
	notifier Notifier
	cfg      config.ExecutionConfig
	spread   config.SpreadConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	orders map[string]*handle // key: accountID + "|" + instrumentID
}

// New builds an execution engine against the given gateway, Delta store,
// and notifier.
func New(gw broker.Gateway, store *deltastore.Store, notifier Notifier, cfg config.ExecutionConfig, spread config.SpreadConfig, logger *slog.Logger) *Engine {
	return &Engine{
		gw:       gw,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		spread:   spread,
		logger:   logger.With("component", "execution"),
		orders:   make(map[string]*handle),
	}
}

type handle struct {
	mu     sync.Mutex
	order  types.ManagedOrder
	cancel context.CancelFunc
	done   chan struct{}
}

func key(accountID, instrumentID string) string {
	return accountID + "|" + instrumentID
}

// Submit starts a new ManagedOrder for intent and blocks until the initial
// placement succeeds or permanently fails. Subsequent stepping, fallback,
// and fill handling continue on a background goroutine after Submit
// returns, so a slow broker never stalls the dispatcher longer than one
// placement round trip.
func (e *Engine) Submit(ctx context.Context, intent types.OrderIntent) (types.ManagedOrder, error) {
	k := key(intent.AccountID, intent.InstrumentID)

	e.mu.Lock()
	if existing, ok := e.orders[k]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		snap := existing.order
		existing.mu.Unlock()
		if !isTerminal(snap.State) {
			return types.ManagedOrder{}, bridgeerr.New(bridgeerr.Validation, "Engine.Submit", "an order is already in flight for "+k)
		}
	} else {
		e.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		order: types.ManagedOrder{
			Intent:           intent,
			State:            types.StateIdle,
			FilledQty:        decimal.Zero,
			AvgFillPrice:     decimal.Zero,
			LastTransitionAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.orders[k] = h
	e.mu.Unlock()

	if err := e.placeInitial(ctx, h); err != nil {
		e.setState(h, types.StateFailed, err.Error())
		close(h.done)
		return e.snapshot(h), err
	}

	go e.run(runCtx, h)

	return e.snapshot(h), nil
}

func isTerminal(s types.OrderState) bool {
	switch s {
	case types.StateFilled, types.StateCancelled, types.StateFailed:
		return true
	default:
		return false
	}
}

func (e *Engine) snapshot(h *handle) types.ManagedOrder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order
}

func (e *Engine) setState(h *handle, s types.OrderState, reason string) {
	h.mu.Lock()
	h.order.State = s
	h.order.LastTransitionAt = time.Now()
	if reason != "" {
		h.order.CancelReason = reason
	}
	h.mu.Unlock()
}

// Shutdown stops every tracked order's stepping goroutine. It does not
// cancel resting broker orders; after a restart the order-polling loop only
// logs them as broker orders the engine does not track.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	handles := make([]*handle, 0, len(e.orders))
	for _, h := range e.orders {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	for _, h := range handles {
		h.mu.Lock()
		state := h.order.State
		h.mu.Unlock()
		if isTerminal(state) {
			continue
		}
		h.cancel()
		<-h.done
	}
}

// Status returns the current ManagedOrder for (accountID, instrumentID), if
// one is tracked.
func (e *Engine) Status(accountID, instrumentID string) (types.ManagedOrder, bool) {
	e.mu.RLock()
	h, ok := e.orders[key(accountID, instrumentID)]
	e.mu.RUnlock()
	if !ok {
		return types.ManagedOrder{}, false
	}
	return e.snapshot(h), true
}

// TrackedOrders returns a snapshot of every non-terminal ManagedOrder for
// accountID, for the order-polling loop's reconciliation pass.
func (e *Engine) TrackedOrders(accountID string) []types.ManagedOrder {
	e.mu.RLock()
	handles := make([]*handle, 0, len(e.orders))
	for _, h := range e.orders {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	out := make([]types.ManagedOrder, 0, len(handles))
	for _, h := range handles {
		snap := e.snapshot(h)
		if snap.Intent.AccountID == accountID && !isTerminal(snap.State) {
			out = append(out, snap)
		}
	}
	return out
}

// Reconcile is called by the order-polling loop when a tracked order has
// no matching broker-resident open order. The broker no longer has it
// resting, which almost always means it filled or was cancelled
// out-of-band; the engine treats the order's remaining size as filled at
// its current limit price. It does not check the account's positions to
// tell a fill from an out-of-band cancel before doing so.
func (e *Engine) Reconcile(ctx context.Context, accountID, instrumentID string) {
	e.mu.RLock()
	h, ok := e.orders[key(accountID, instrumentID)]
	e.mu.RUnlock()
	if !ok {
		return
	}

	h.mu.Lock()
	state := h.order.State
	intent := h.order.Intent
	filled := h.order.FilledQty
	limit := h.order.CurrentLimit
	h.mu.Unlock()
	if isTerminal(state) {
		return
	}

	e.logger.Warn("reconciling order with no matching broker record", "account", accountID, "instrument", instrumentID)
	remaining := intent.Size.Sub(filled)
	if remaining.Sign() <= 0 {
		return
	}
	e.handleFillObserved(ctx, h, remaining, limit)
}

// Cancel requests cancellation of the in-flight order for
// (accountID, instrumentID). No-op if none is tracked or it is already
// terminal.
func (e *Engine) Cancel(ctx context.Context, accountID, instrumentID string) (types.CancelResult, error) {
	e.mu.RLock()
	h, ok := e.orders[key(accountID, instrumentID)]
	e.mu.RUnlock()
	if !ok {
		return types.CancelNotFound, nil
	}

	h.mu.Lock()
	state := h.order.State
	brokerOrderID := h.order.BrokerOrderID
	h.mu.Unlock()

	if isTerminal(state) {
		return types.CancelNotFound, nil
	}

	e.setState(h, types.StateCancelling, "cancel requested")
	result, err := e.gw.CancelOrder(ctx, accountID, brokerOrderID)
	if err != nil {
		return "", err
	}

	switch result {
	case types.CancelAlreadyFilled:
		e.handleFillObserved(ctx, h, h.order.Intent.Size, h.order.CurrentLimit)
	default:
		e.setState(h, types.StateCancelled, "cancelled by operator")
		h.cancel()
	}
	return result, nil
}

// ObserveFill applies a fill event to the tracked order for
// evt.AccountID/evt.InstrumentID. cmd/bridge feeds it from MockGateway's
// OnFill hook; the order-polling loop uses Reconcile instead. No-op if no
// order is tracked for that key, which happens for fills the engine never
// initiated (e.g. manual broker-side activity).
func (e *Engine) ObserveFill(ctx context.Context, evt types.FillEvent) {
	e.mu.RLock()
	h, ok := e.orders[key(evt.AccountID, evt.InstrumentID)]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.handleFillObserved(ctx, h, evt.FilledQty, evt.FillPrice)
}

func (e *Engine) placeInitial(ctx context.Context, h *handle) error {
	intent := h.order.Intent
	quote, err := e.gw.FetchQuote(ctx, intent.InstrumentID)
	if err != nil {
		return err
	}

	limit, err := pricing.StepPrice(quote.Bid, quote.Ask, tickOf(intent.TickSize), 0, e.cfg.MaxSteps, intent.Side)
	if err != nil {
		return err
	}

	e.setState(h, types.StatePlacing, "")

	var brokerOrderID string
	var placeErr error
	for attempt := 1; attempt <= maxInt(e.cfg.MaxPlaceRetries, 1); attempt++ {
		brokerOrderID, placeErr = e.gw.PlaceLimitOrder(ctx, intent, limit)
		if placeErr == nil {
			break
		}
		if !bridgeerr.KindOf(placeErr).Retryable() {
			return placeErr
		}
	}
	if placeErr != nil {
		return placeErr
	}

	h.mu.Lock()
	h.order.BrokerOrderID = brokerOrderID
	h.order.CurrentLimit = limit
	h.order.StepIndex = 0
	h.order.PlacedAt = time.Now()
	// A gateway that fills synchronously (MockGateway) may have already
	// driven this order to a terminal state via ObserveFill before
	// PlaceLimitOrder even returns here; don't stomp that back to Working.
	if !isTerminal(h.order.State) {
		h.order.State = types.StateWorking
		h.order.LastTransitionAt = time.Now()
	}
	h.mu.Unlock()

	e.notifyBestEffort(ctx, types.NotifyOrderPlaced, intent.AccountID, intent.InstrumentID,
		fmt.Sprintf("placed %s %s x%s @ %s", intent.Side, intent.InstrumentID, intent.Size, limit))

	return nil
}

// tickOf returns the contract's own tick size, carried on the intent since
// contract.Select resolved it. Falls back to a cent only for callers that
// bypass contract selection (e.g. tests) and leave TickSize zero.
func tickOf(contractTick decimal.Decimal) decimal.Decimal {
	if contractTick.Sign() <= 0 {
		return decimal.NewFromFloat(0.01)
	}
	return contractTick
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) run(ctx context.Context, h *handle) {
	defer close(h.done)

	ticker := time.NewTicker(e.cfg.StepInterval)
	defer ticker.Stop()

	spreadHolds := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			state := h.order.State
			h.mu.Unlock()
			if isTerminal(state) {
				return
			}
			if state != types.StateWorking {
				continue
			}
			if e.step(ctx, h, &spreadHolds) {
				return
			}
		}
	}
}

// step advances the order by one price level. Returns true if the order
// reached a terminal state and the owning goroutine should exit.
func (e *Engine) step(ctx context.Context, h *handle, spreadHolds *int) bool {
	h.mu.Lock()
	intent := h.order.Intent
	brokerOrderID := h.order.BrokerOrderID
	stepIndex := h.order.StepIndex
	filled := h.order.FilledQty
	h.mu.Unlock()

	remaining := intent.Size.Sub(filled)
	if remaining.Sign() <= 0 {
		e.setState(h, types.StateFilled, "")
		return true
	}

	quote, err := e.gw.FetchQuote(ctx, intent.InstrumentID)
	if err != nil {
		e.logger.Warn("quote fetch failed during stepping", "instrument", intent.InstrumentID, "error", err)
		return false
	}

	tick := tickOf(intent.TickSize)
	if !pricing.IsSpreadReasonable(quote.Bid, quote.Ask, tick, decimal.NewFromFloat(e.spread.MaxRatio), e.spread.MaxTickWidth) {
		*spreadHolds++
		exhausted := e.cfg.MaxSpreadHolds > 0 && *spreadHolds >= e.cfg.MaxSpreadHolds
		if !exhausted {
			return false
		}
		if !e.cfg.ForceProgress {
			err := bridgeerr.New(bridgeerr.UnreasonableSpreadPersisted, "execution.step",
				fmt.Sprintf("spread stayed unreasonable for %d consecutive holds on %s", *spreadHolds, intent.InstrumentID))
			e.logger.Error("order failing", "instrument", intent.InstrumentID, "error", err)
			return e.fallbackOrFail(ctx, h, err.Error())
		}
		e.logger.Warn("forcing progress past unreasonable spread", "instrument", intent.InstrumentID, "holds", *spreadHolds)
	}
	*spreadHolds = 0

	nextStep := stepIndex + 1
	if nextStep >= e.cfg.MaxSteps {
		if e.cfg.EnableMarketFallback {
			return e.fallback(ctx, h)
		}
		return e.fallbackOrFail(ctx, h, "max steps exhausted, fallback disabled")
	}

	e.setState(h, types.StateStepping, "")

	limit, err := pricing.StepPrice(quote.Bid, quote.Ask, tick, nextStep, e.cfg.MaxSteps, intent.Side)
	if err != nil {
		e.logger.Warn("step price computation failed", "error", err)
		return false
	}

	newOrderID, err := e.gw.ReplaceOrder(ctx, intent.AccountID, brokerOrderID, types.OrderIntent{
		AccountID:     intent.AccountID,
		InstrumentID:  intent.InstrumentID,
		Side:          intent.Side,
		Size:          remaining,
		CorrelationID: intent.CorrelationID,
		Strategy:      intent.Strategy,
		CreatedAt:     intent.CreatedAt,
	}, limit)
	if err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.RejectedByBroker {
			// likely filled between cancel and replace; let the next poll
			// or push event resolve it.
			return false
		}
		e.logger.Warn("replace order failed during stepping", "error", err)
		return false
	}

	h.mu.Lock()
	h.order.BrokerOrderID = newOrderID
	h.order.CurrentLimit = limit
	h.order.StepIndex = nextStep
	h.order.Attempts++
	h.order.State = types.StateWorking
	h.order.LastTransitionAt = time.Now()
	h.mu.Unlock()

	return false
}

func (e *Engine) fallback(ctx context.Context, h *handle) bool {
	h.mu.Lock()
	intent := h.order.Intent
	filled := h.order.FilledQty
	brokerOrderID := h.order.BrokerOrderID
	h.mu.Unlock()

	remaining := intent.Size.Sub(filled)
	e.setState(h, types.StateMarketFallback, "")

	if _, err := e.gw.CancelOrder(ctx, intent.AccountID, brokerOrderID); err != nil {
		e.logger.Warn("cancel before market fallback failed", "error", err)
	}

	marketIntent := intent
	marketIntent.Size = remaining
	orderID, err := e.gw.PlaceMarketOrder(ctx, marketIntent)
	if err != nil {
		e.setState(h, types.StateFailed, fmt.Sprintf("market fallback failed: %v", err))
		e.notifyBestEffort(ctx, types.NotifyOrderFailed, intent.AccountID, intent.InstrumentID, fmt.Sprintf("order %s failed market fallback: %v", intent.InstrumentID, err))
		return true
	}

	h.mu.Lock()
	h.order.BrokerOrderID = orderID
	h.order.State = types.StateMarketPlaced
	h.order.LastTransitionAt = time.Now()
	h.mu.Unlock()
	return false
}

func (e *Engine) fallbackOrFail(ctx context.Context, h *handle, reason string) bool {
	h.mu.Lock()
	intent := h.order.Intent
	brokerOrderID := h.order.BrokerOrderID
	h.mu.Unlock()

	e.setState(h, types.StateCancelling, reason)
	result, err := e.gw.CancelOrder(ctx, intent.AccountID, brokerOrderID)
	if err != nil {
		e.logger.Warn("cancel during fallback-or-fail path failed", "error", err)
	}
	if result == types.CancelAlreadyFilled {
		e.setState(h, types.StateFilled, "")
		return true
	}
	e.setState(h, types.StateCancelled, reason)
	e.notifyBestEffort(ctx, types.NotifyOrderFailed, intent.AccountID, intent.InstrumentID, fmt.Sprintf("order for %s cancelled: %s", intent.InstrumentID, reason))
	return true
}

func (e *Engine) handleFillObserved(ctx context.Context, h *handle, filledQty, fillPrice decimal.Decimal) {
	h.mu.Lock()
	h.order.FilledQty = h.order.FilledQty.Add(filledQty)
	weighted := h.order.AvgFillPrice.Mul(h.order.FilledQty.Sub(filledQty)).Add(fillPrice.Mul(filledQty))
	if h.order.FilledQty.Sign() > 0 {
		h.order.AvgFillPrice = weighted.Div(h.order.FilledQty)
	}
	fullyFilled := h.order.FilledQty.GreaterThanOrEqual(h.order.Intent.Size)
	intent := h.order.Intent
	if fullyFilled {
		h.order.State = types.StateFilled
		h.order.LastTransitionAt = time.Now()
	}
	h.mu.Unlock()

	if !fullyFilled {
		return
	}

	h.cancel()
	e.recordFill(ctx, intent)
}

func (e *Engine) recordFill(ctx context.Context, intent types.OrderIntent) {
	positions, err := e.gw.GetPositions(ctx, intent.AccountID)
	if err != nil {
		e.logger.Error("failed to fetch positions after fill", "account", intent.AccountID, "error", err)
	}

	var observed *decimal.Decimal
	for _, p := range positions {
		if p.InstrumentID == intent.InstrumentID {
			d := p.Delta
			observed = &d
			break
		}
	}

	action := deltaActionFor(intent.Strategy)
	rec := types.DeltaRecord{
		AccountID:     intent.AccountID,
		InstrumentID:  intent.InstrumentID,
		CorrelationID: intent.CorrelationID,
		Action:        action,
		ObservedDelta: observed,
		CreatedAt:     time.Now(),
	}
	if err := e.store.Upsert(ctx, rec); err != nil {
		e.logger.Error("failed to record delta after fill", "error", err)
	}

	e.notifyBestEffort(ctx, types.NotifyOrderFilled, intent.AccountID, intent.InstrumentID, fmt.Sprintf("filled %s %s x%s for %s", intent.Side, intent.InstrumentID, intent.Size, intent.Strategy))
}

func deltaActionFor(s types.Strategy) types.DeltaAction {
	switch s {
	case types.StrategyOpenLong, types.StrategyOpenShort:
		return types.ActionOpen
	case types.StrategyCloseLong, types.StrategyCloseShort:
		return types.ActionClose
	case types.StrategyRoll:
		return types.ActionAdjust
	default:
		return types.ActionAdjust
	}
}

func (e *Engine) notifyBestEffort(ctx context.Context, kind types.NotificationKind, accountID, instrumentID, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, accountID, types.Notification{
		Kind:         kind,
		AccountID:    accountID,
		InstrumentID: instrumentID,
		Message:      message,
		Timestamp:    time.Now(),
	})
}
