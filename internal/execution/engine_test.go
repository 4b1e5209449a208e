package execution

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/broker"
	"tiger-webhook/internal/config"
	"tiger-webhook/internal/deltastore"
	"tiger-webhook/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxSteps:             5,
		StepInterval:         time.Hour, // tests drive step() directly, never the ticker
		EnableMarketFallback: true,
		MaxPlaceRetries:      3,
		MaxSpreadHolds:       2,
	}
}

func testSpreadConfig() config.SpreadConfig {
	return config.SpreadConfig{MaxRatio: 0.5, MaxTickWidth: 20}
}

func testStore(t *testing.T) *deltastore.Store {
	t.Helper()
	s, err := deltastore.Open(filepath.Join(t.TempDir(), "delta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, gw broker.Gateway, store *deltastore.Store, notifier Notifier, cfg config.ExecutionConfig, spreadCfg config.SpreadConfig) *Engine {
	t.Helper()
	e := New(gw, store, notifier, cfg, spreadCfg, testLogger())
	t.Cleanup(e.Shutdown)
	return e
}

// fakeGateway is a hand-written Gateway fake. Each method's behavior is
// driven by a function field so individual tests can override only what
// they need.
type fakeGateway struct {
	quoteFn        func(instrumentID string) (*types.QuoteSnapshot, error)
	placeLimitFn   func(intent types.OrderIntent, limit decimal.Decimal) (string, error)
	placeMarketFn  func(intent types.OrderIntent) (string, error)
	replaceFn      func(accountID, brokerOrderID string, intent types.OrderIntent, newLimit decimal.Decimal) (string, error)
	cancelFn       func(accountID, brokerOrderID string) (types.CancelResult, error)
	positions      []types.Position
	placeCalls     int
	replaceCalls   int
	cancelCalls    int
}

func (g *fakeGateway) FetchChain(ctx context.Context, underlying string) (*types.Chain, error) {
	return &types.Chain{Underlying: underlying}, nil
}

func (g *fakeGateway) FetchQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
	if g.quoteFn != nil {
		return g.quoteFn(instrumentID)
	}
	return &types.QuoteSnapshot{InstrumentID: instrumentID, Bid: decimal.NewFromFloat(1.00), Ask: decimal.NewFromFloat(1.05)}, nil
}

func (g *fakeGateway) PlaceLimitOrder(ctx context.Context, intent types.OrderIntent, limitPrice decimal.Decimal) (string, error) {
	g.placeCalls++
	if g.placeLimitFn != nil {
		return g.placeLimitFn(intent, limitPrice)
	}
	return "order-1", nil
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	if g.placeMarketFn != nil {
		return g.placeMarketFn(intent)
	}
	return "market-order-1", nil
}

func (g *fakeGateway) ReplaceOrder(ctx context.Context, accountID, brokerOrderID string, intent types.OrderIntent, newLimit decimal.Decimal) (string, error) {
	g.replaceCalls++
	if g.replaceFn != nil {
		return g.replaceFn(accountID, brokerOrderID, intent, newLimit)
	}
	return "order-2", nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (types.CancelResult, error) {
	g.cancelCalls++
	if g.cancelFn != nil {
		return g.cancelFn(accountID, brokerOrderID)
	}
	return types.CancelCancelled, nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	return nil, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	return g.positions, nil
}

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, accountID string, note types.Notification) {
	n.messages = append(n.messages, note.Message)
}

func testIntent() types.OrderIntent {
	return types.OrderIntent{
		AccountID:     "acct-1",
		InstrumentID:  "SPY-260117-500-C",
		Side:          types.Buy,
		Size:          decimal.NewFromInt(10),
		CorrelationID: "corr-1",
		Strategy:      types.StrategyOpenLong,
		CreatedAt:     time.Now(),
	}
}

func TestSubmitPlacesInitialOrderAndTransitionsToWorking(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if order.State != types.StateWorking {
		t.Fatalf("State = %v, want %v", order.State, types.StateWorking)
	}
	if order.BrokerOrderID != "order-1" {
		t.Fatalf("BrokerOrderID = %q, want order-1", order.BrokerOrderID)
	}
	if gw.placeCalls != 1 {
		t.Fatalf("placeCalls = %d, want 1", gw.placeCalls)
	}
}

func TestSubmitRoundsInitialLimitToTheContractsTickNotAPenny(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		quoteFn: func(instrumentID string) (*types.QuoteSnapshot, error) {
			return &types.QuoteSnapshot{InstrumentID: instrumentID, Bid: decimal.NewFromFloat(1.02), Ask: decimal.NewFromFloat(1.07)}, nil
		},
	}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	intent := testIntent()
	intent.TickSize = decimal.NewFromFloat(0.05)

	var gotLimit decimal.Decimal
	gw.placeLimitFn = func(intent types.OrderIntent, limit decimal.Decimal) (string, error) {
		gotLimit = limit
		return "order-1", nil
	}

	if _, err := e.Submit(context.Background(), intent); err != nil {
		t.Fatal(err)
	}
	want := decimal.NewFromFloat(1.00) // 1.02 rounded to the nearest $0.05 tick, not $0.01
	if !gotLimit.Equal(want) {
		t.Fatalf("limit = %s, want %s", gotLimit, want)
	}
}

func TestSubmitRejectsWhenOrderAlreadyInFlight(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	ctx := context.Background()
	if _, err := e.Submit(ctx, testIntent()); err != nil {
		t.Fatal(err)
	}
	_, err := e.Submit(ctx, testIntent())
	if bridgeerr.KindOf(err) != bridgeerr.Validation {
		t.Fatalf("err = %v, want Validation", err)
	}
}

func TestSubmitFailsPermanentlyOnNonRetryableRejection(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		placeLimitFn: func(intent types.OrderIntent, limit decimal.Decimal) (string, error) {
			return "", bridgeerr.New(bridgeerr.RejectedByBroker, "place_order", "size too small")
		},
	}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	_, err := e.Submit(context.Background(), testIntent())
	if bridgeerr.KindOf(err) != bridgeerr.RejectedByBroker {
		t.Fatalf("err = %v, want RejectedByBroker", err)
	}
	if gw.placeCalls != 1 {
		t.Fatalf("placeCalls = %d, want 1 (no retry on non-retryable kind)", gw.placeCalls)
	}
}

func TestSubmitRetriesRetryableFailuresUpToMaxPlaceRetries(t *testing.T) {
	t.Parallel()
	attempts := 0
	gw := &fakeGateway{
		placeLimitFn: func(intent types.OrderIntent, limit decimal.Decimal) (string, error) {
			attempts++
			if attempts < 3 {
				return "", bridgeerr.New(bridgeerr.Transport, "place_order", "timeout")
			}
			return "order-final", nil
		},
	}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if order.BrokerOrderID != "order-final" {
		t.Fatalf("BrokerOrderID = %q, want order-final", order.BrokerOrderID)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestObserveFillFullyFillsAndRecordsDelta(t *testing.T) {
	t.Parallel()
	delta := decimal.NewFromFloat(0.28)
	gw := &fakeGateway{
		positions: []types.Position{{AccountID: "acct-1", InstrumentID: "SPY-260117-500-C", Delta: delta}},
	}
	store := testStore(t)
	notifier := &fakeNotifier{}
	e := newTestEngine(t, gw, store, notifier, testExecutionConfig(), testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	e.ObserveFill(ctx, types.FillEvent{
		AccountID:    intent.AccountID,
		InstrumentID: intent.InstrumentID,
		FilledQty:    intent.Size,
		FillPrice:    decimal.NewFromFloat(1.02),
	})

	deadline := time.After(2 * time.Second)
	for {
		order, _ := e.Status(intent.AccountID, intent.InstrumentID)
		if order.State == types.StateFilled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never reached Filled, last state %v", order.State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	latest, err := store.LatestByInstrument(ctx, intent.AccountID, intent.InstrumentID)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Fatal("expected a delta record after fill")
	}
	if latest.Action != types.ActionOpen {
		t.Errorf("Action = %v, want open", latest.Action)
	}
	if latest.ObservedDelta == nil || !latest.ObservedDelta.Equal(delta) {
		t.Errorf("ObservedDelta = %v, want %v", latest.ObservedDelta, delta)
	}
	if len(notifier.messages) == 0 {
		t.Error("expected a best-effort fill notification")
	}
}

func TestObserveFillIgnoresUntrackedInstrument(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	// No Submit call, so there is nothing tracked for this key. ObserveFill
	// must not panic and must remain a no-op.
	e.ObserveFill(context.Background(), types.FillEvent{AccountID: "acct-1", InstrumentID: "ghost"})

	if _, ok := e.Status("acct-1", "ghost"); ok {
		t.Fatal("expected no tracked order for an instrument never submitted")
	}
}

func TestCancelTransitionsToCancelled(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	result, err := e.Cancel(ctx, intent.AccountID, intent.InstrumentID)
	if err != nil {
		t.Fatal(err)
	}
	if result != types.CancelCancelled {
		t.Fatalf("result = %v, want CancelCancelled", result)
	}
	order, _ := e.Status(intent.AccountID, intent.InstrumentID)
	if order.State != types.StateCancelled {
		t.Fatalf("State = %v, want Cancelled", order.State)
	}
}

func TestCancelAlreadyFilledRecordsDeltaInstead(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		cancelFn: func(accountID, brokerOrderID string) (types.CancelResult, error) {
			return types.CancelAlreadyFilled, nil
		},
	}
	store := testStore(t)
	e := newTestEngine(t, gw, store, nil, testExecutionConfig(), testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Cancel(ctx, intent.AccountID, intent.InstrumentID); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		order, _ := e.Status(intent.AccountID, intent.InstrumentID)
		if order.State == types.StateFilled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never reached Filled after already-filled cancel, last state %v", order.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStepAdvancesLimitPriceWhenSpreadIsReasonable(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, testStore(t), nil, testExecutionConfig(), testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	e.mu.RLock()
	h := e.orders[key(intent.AccountID, intent.InstrumentID)]
	e.mu.RUnlock()

	holds := 0
	terminal := e.step(ctx, h, &holds)
	if terminal {
		t.Fatal("step should not terminate the order on a normal advance")
	}
	if gw.replaceCalls != 1 {
		t.Fatalf("replaceCalls = %d, want 1", gw.replaceCalls)
	}
	order, _ := e.Status(intent.AccountID, intent.InstrumentID)
	if order.StepIndex != 1 {
		t.Fatalf("StepIndex = %d, want 1", order.StepIndex)
	}
}

func TestStepFallsBackToMarketAfterMaxSteps(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	cfg := testExecutionConfig()
	cfg.MaxSteps = 1 // next step is already >= MaxSteps
	e := newTestEngine(t, gw, testStore(t), nil, cfg, testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	e.mu.RLock()
	h := e.orders[key(intent.AccountID, intent.InstrumentID)]
	e.mu.RUnlock()

	holds := 0
	e.step(ctx, h, &holds)

	order, _ := e.Status(intent.AccountID, intent.InstrumentID)
	if order.State != types.StateMarketPlaced {
		t.Fatalf("State = %v, want MarketPlaced", order.State)
	}
	if order.BrokerOrderID != "market-order-1" {
		t.Fatalf("BrokerOrderID = %q, want market-order-1", order.BrokerOrderID)
	}
}

func TestStepCancelsWhenSpreadStaysUnreasonableAndFallbackDisabled(t *testing.T) {
	t.Parallel()
	wideSpread := func(instrumentID string) (*types.QuoteSnapshot, error) {
		return &types.QuoteSnapshot{InstrumentID: instrumentID, Bid: decimal.NewFromFloat(1.00), Ask: decimal.NewFromFloat(9.00)}, nil
	}
	gw := &fakeGateway{quoteFn: wideSpread}
	cfg := testExecutionConfig()
	cfg.EnableMarketFallback = false
	cfg.MaxSpreadHolds = 1
	e := newTestEngine(t, gw, testStore(t), nil, cfg, testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	e.mu.RLock()
	h := e.orders[key(intent.AccountID, intent.InstrumentID)]
	e.mu.RUnlock()

	holds := 0
	terminal := e.step(ctx, h, &holds)
	if !terminal {
		t.Fatal("expected step to terminate the order once spread holds are exhausted")
	}
	order, _ := e.Status(intent.AccountID, intent.InstrumentID)
	if order.State != types.StateCancelled {
		t.Fatalf("State = %v, want Cancelled", order.State)
	}
	if !strings.Contains(order.CancelReason, string(bridgeerr.UnreasonableSpreadPersisted)) {
		t.Fatalf("CancelReason = %q, want it to carry the unreasonable_spread_persisted kind", order.CancelReason)
	}
}

func TestStepForcesProgressPastUnreasonableSpreadWhenConfigured(t *testing.T) {
	t.Parallel()
	wideSpread := func(instrumentID string) (*types.QuoteSnapshot, error) {
		return &types.QuoteSnapshot{InstrumentID: instrumentID, Bid: decimal.NewFromFloat(1.00), Ask: decimal.NewFromFloat(9.00)}, nil
	}
	gw := &fakeGateway{quoteFn: wideSpread}
	cfg := testExecutionConfig()
	cfg.EnableMarketFallback = false
	cfg.MaxSpreadHolds = 1
	cfg.ForceProgress = true
	e := newTestEngine(t, gw, testStore(t), nil, cfg, testSpreadConfig())

	ctx := context.Background()
	intent := testIntent()
	if _, err := e.Submit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	e.mu.RLock()
	h := e.orders[key(intent.AccountID, intent.InstrumentID)]
	e.mu.RUnlock()

	holds := 1
	terminal := e.step(ctx, h, &holds)
	if terminal {
		t.Fatal("expected step to advance rather than terminate when force_progress is set")
	}
	if holds != 0 {
		t.Fatalf("spreadHolds = %d, want reset to 0 after forcing progress", holds)
	}
	order, _ := e.Status(intent.AccountID, intent.InstrumentID)
	if order.State != types.StateStepping && order.State != types.StateWorking {
		t.Fatalf("State = %v, want the order to still be progressing", order.State)
	}
}
