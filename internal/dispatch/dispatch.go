// Package dispatch implements the webhook signal entry point (C7):
// validation, short-window dedupe, per-account serialization, chain and
// contract selection, a target Delta write, and hand-off to the execution
// engine. The per-account serialization is grounded on the teacher's
// engine.go per-market channel dispatch (one goroutine consuming a
// dedicated channel per key), generalized here from "per market" to "per
// account".
package dispatch

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
	"tiger-webhook/internal/contract"
	"tiger-webhook/internal/deltastore"
	"tiger-webhook/pkg/types"
)

// Submitter is the narrow slice of the execution engine C7 hands orders to.
type Submitter interface {
	Submit(ctx context.Context, intent types.OrderIntent) (types.ManagedOrder, error)
}

// Notifier is the narrow slice of C8 this package depends on.
type Notifier interface {
	Notify(ctx context.Context, accountID string, n types.Notification)
}

// Outcome is the dispatcher's synchronous response to one signal.
type Outcome struct {
	Accepted      bool
	CorrelationID string
	InstrumentID  string
	ErrorKind     string
	Message       string
}

type dedupeEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

type request struct {
	ctx    context.Context
	signal types.Signal
	respCh chan Outcome
}

// Dispatcher orchestrates C2/C4 selection and C5 hand-off for inbound
// signals, one account at a time per account.
type Dispatcher struct {
	gw           broker.Gateway
	store        *deltastore.Store
	engine       Submitter
	notifier     Notifier
	accounts     map[string]config.AccountConfig
	selectionCfg config.ContractSelectionConfig
	spreadCfg    config.SpreadConfig
	dedupeWindow time.Duration
	logger       *slog.Logger

	mailboxMu sync.Mutex
	mailboxes map[string]chan request

	dedupeMu sync.Mutex
	dedupe   map[string]dedupeEntry
}

// New builds a Dispatcher. accounts should be the full configured account
// list; disabled accounts are rejected at validation time rather than
// silently dropped, so an operator gets a clear Validation error instead
// of a hang.
func New(cfg config.DispatchConfig, selectionCfg config.ContractSelectionConfig, spreadCfg config.SpreadConfig, accounts []config.AccountConfig, gw broker.Gateway, store *deltastore.Store, engine Submitter, notifier Notifier, logger *slog.Logger) *Dispatcher {
	byName := make(map[string]config.AccountConfig, len(accounts))
	for _, a := range accounts {
		byName[a.Name] = a
	}
	dedupeWindow := cfg.DedupeWindow
	if dedupeWindow <= 0 {
		dedupeWindow = 60 * time.Second
	}
	return &Dispatcher{
		gw:           gw,
		store:        store,
		engine:       engine,
		notifier:     notifier,
		accounts:     byName,
		selectionCfg: selectionCfg,
		spreadCfg:    spreadCfg,
		dedupeWindow: dedupeWindow,
		logger:       logger.With("component", "dispatch"),
		mailboxes:    make(map[string]chan request),
		dedupe:       make(map[string]dedupeEntry),
	}
}

// mailboxFor returns the per-account mailbox channel, creating and starting
// its consumer goroutine on first use.
func (d *Dispatcher) mailboxFor(accountID string) chan request {
	d.mailboxMu.Lock()
	defer d.mailboxMu.Unlock()
	if ch, ok := d.mailboxes[accountID]; ok {
		return ch
	}
	ch := make(chan request, 32)
	d.mailboxes[accountID] = ch
	go d.runMailbox(accountID, ch)
	return ch
}

func (d *Dispatcher) runMailbox(accountID string, ch chan request) {
	for req := range ch {
		req.respCh <- d.process(req.ctx, req.signal)
	}
}

// Shutdown closes every account mailbox, letting each consumer goroutine
// drain its queue and exit. It does not reject later Dispatch calls: a
// signal dispatched after Shutdown opens a new mailbox for its account and
// is processed as usual.
func (d *Dispatcher) Shutdown() {
	d.mailboxMu.Lock()
	defer d.mailboxMu.Unlock()
	for _, ch := range d.mailboxes {
		close(ch)
	}
	d.mailboxes = make(map[string]chan request)
}

// Dispatch validates and routes signal to its account's mailbox, blocking
// until the signal reaches terminal hand-off or ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, signal types.Signal) (Outcome, error) {
	account, ok := d.accounts[signal.AccountID]
	if !ok || !account.Enabled {
		return Outcome{}, bridgeerr.New(bridgeerr.Validation, "dispatch.Dispatch", fmt.Sprintf("account %q is unknown or disabled", signal.AccountID))
	}
	if err := validateSignal(signal); err != nil {
		return Outcome{}, err
	}

	respCh := make(chan Outcome, 1)
	mailbox := d.mailboxFor(signal.AccountID)
	select {
	case mailbox <- request{ctx: ctx, signal: signal, respCh: respCh}:
	case <-ctx.Done():
		return Outcome{}, bridgeerr.Wrap(bridgeerr.Validation, "dispatch.Dispatch", "signal timed out waiting for account mailbox", ctx.Err())
	}

	select {
	case outcome := <-respCh:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, bridgeerr.Wrap(bridgeerr.Validation, "dispatch.Dispatch", "signal processing abandoned at caller's budget; engine continues autonomously", ctx.Err())
	}
}

func validateSignal(s types.Signal) error {
	const op = "dispatch.validateSignal"
	if s.AccountID == "" {
		return bridgeerr.New(bridgeerr.Validation, op, "account_id is required")
	}
	if s.Underlying == "" {
		return bridgeerr.New(bridgeerr.Validation, op, "underlying is required")
	}
	if s.Side != types.Buy && s.Side != types.Sell {
		return bridgeerr.New(bridgeerr.Validation, op, "side must be buy or sell")
	}
	if s.Size.LessThanOrEqual(decimal.Zero) {
		return bridgeerr.New(bridgeerr.Validation, op, "size must be > 0")
	}
	if s.CorrelationID == "" {
		return bridgeerr.New(bridgeerr.Validation, op, "correlation_id must be assigned before dispatch")
	}
	return nil
}

// process runs the full C7 procedure for one signal. It only ever runs on
// the owning account's mailbox goroutine, so no two signals for the same
// account are ever in this function concurrently.
func (d *Dispatcher) process(ctx context.Context, signal types.Signal) Outcome {
	dedupeKey := signal.AccountID + "|" + signal.CorrelationID
	if cached, ok := d.checkDedupe(dedupeKey); ok {
		return cached
	}

	legs, err := legsFor(signal.PositionTransition)
	if err != nil {
		return d.terminal(dedupeKey, outcomeFromError(err))
	}

	chain, err := d.gw.FetchChain(ctx, signal.Underlying)
	if err != nil {
		return d.terminal(dedupeKey, outcomeFromError(bridgeerr.Wrap(bridgeerr.Transport, "dispatch.process", "fetch chain", err)))
	}

	var lastInstrument string
	for _, leg := range legs {
		legSignal := signal
		legSignal.PositionTransition = leg.transition

		selected, err := contract.Select(ctx, d.selectionCfg, d.spreadCfg, legSignal, *chain, d.gw.FetchQuote)
		if err != nil {
			d.recordExecutionFailure(ctx, signal, lastInstrument, err)
			return d.terminal(dedupeKey, outcomeFromError(err))
		}
		lastInstrument = selected.InstrumentID

		correlationID := signal.CorrelationID + leg.suffix
		target := targetDeltaFor(leg.strategy, d.selectionCfg)
		if err := d.store.Upsert(ctx, types.DeltaRecord{
			AccountID:     signal.AccountID,
			InstrumentID:  selected.InstrumentID,
			CorrelationID: correlationID,
			Action:        types.ActionTarget,
			TargetDelta:   &target,
			TVSignalID:    signal.CorrelationID,
		}); err != nil {
			d.logger.Error("write target delta record failed", "account", signal.AccountID, "error", err)
			d.recordExecutionFailure(ctx, signal, selected.InstrumentID, err)
			return d.terminal(dedupeKey, outcomeFromError(err))
		}

		intent := types.OrderIntent{
			AccountID:     signal.AccountID,
			InstrumentID:  selected.InstrumentID,
			Side:          signal.Side,
			Size:          signal.Size,
			TickSize:      selected.TickSize,
			CorrelationID: correlationID,
			Strategy:      leg.strategy,
			CreatedAt:     time.Now(),
		}
		if _, err := d.engine.Submit(ctx, intent); err != nil {
			d.recordExecutionFailure(ctx, signal, selected.InstrumentID, err)
			return d.terminal(dedupeKey, outcomeFromError(err))
		}
	}

	return d.terminal(dedupeKey, Outcome{Accepted: true, CorrelationID: signal.CorrelationID, InstrumentID: lastInstrument})
}

// recordExecutionFailure writes the adjust-action Delta record and notifier
// alert spec.md requires when a signal fails after validation but before,
// or during, hand-off.
func (d *Dispatcher) recordExecutionFailure(ctx context.Context, signal types.Signal, instrumentID string, cause error) {
	zero := decimal.Zero
	if err := d.store.Upsert(ctx, types.DeltaRecord{
		AccountID:         signal.AccountID,
		InstrumentID:      instrumentID,
		CorrelationID:     signal.CorrelationID,
		Action:            types.ActionAdjust,
		MovePositionDelta: &zero,
		TVSignalID:        signal.CorrelationID,
	}); err != nil {
		d.logger.Error("write failure delta record failed", "account", signal.AccountID, "error", err)
	}

	if d.notifier != nil {
		d.notifier.Notify(context.WithoutCancel(ctx), signal.AccountID, types.Notification{
			Kind:         types.NotifyOrderFailed,
			AccountID:    signal.AccountID,
			InstrumentID: instrumentID,
			Message:      fmt.Sprintf("signal %s failed: %v", signal.CorrelationID, cause),
			Timestamp:    time.Now(),
		})
	}
}

func (d *Dispatcher) checkDedupe(key string) (Outcome, bool) {
	d.dedupeMu.Lock()
	defer d.dedupeMu.Unlock()
	now := time.Now()
	for k, e := range d.dedupe {
		if now.After(e.expiresAt) {
			delete(d.dedupe, k)
		}
	}
	entry, ok := d.dedupe[key]
	if !ok || now.After(entry.expiresAt) {
		return Outcome{}, false
	}
	return entry.outcome, true
}

func (d *Dispatcher) terminal(key string, outcome Outcome) Outcome {
	d.dedupeMu.Lock()
	d.dedupe[key] = dedupeEntry{outcome: outcome, expiresAt: time.Now().Add(d.dedupeWindow)}
	d.dedupeMu.Unlock()
	return outcome
}

func outcomeFromError(err error) Outcome {
	return Outcome{Accepted: false, ErrorKind: string(bridgeerr.KindOf(err)), Message: err.Error()}
}

// targetDeltaFor derives the intended per-contract delta a strategy leg
// aims for, used only for the target Delta record written before hand-off.
func targetDeltaFor(strategy types.Strategy, cfg config.ContractSelectionConfig) decimal.Decimal {
	switch strategy {
	case types.StrategyOpenLong, types.StrategyOpenShort, types.StrategyRoll:
		return decimal.NewFromFloat(cfg.TargetDeltaOpen)
	default:
		return decimal.Zero
	}
}

type leg struct {
	transition types.PositionTransition
	strategy   types.Strategy
	suffix     string
}

// legsFor decomposes a PositionTransition into one or two legs to submit in
// order. long->short and short->long transitions split into a close leg
// followed by an open leg, sharing the signal's correlation_id with a
// -close/-open suffix, because the broker's place_order contract carries a
// single instrument per call.
func legsFor(t types.PositionTransition) ([]leg, error) {
	switch t {
	case types.FlatToLong:
		return []leg{{t, types.StrategyOpenLong, ""}}, nil
	case types.FlatToShort:
		return []leg{{t, types.StrategyOpenShort, ""}}, nil
	case types.LongToFlat:
		return []leg{{t, types.StrategyCloseLong, ""}}, nil
	case types.ShortToFlat:
		return []leg{{t, types.StrategyCloseShort, ""}}, nil
	case types.LongToLong:
		return []leg{{t, types.StrategyRoll, ""}}, nil
	case types.ShortToShort:
		return []leg{{t, types.StrategyRoll, ""}}, nil
	case types.LongToShort:
		return []leg{
			{types.LongToFlat, types.StrategyCloseLong, "-close"},
			{types.FlatToShort, types.StrategyOpenShort, "-open"},
		}, nil
	case types.ShortToLong:
		return []leg{
			{types.ShortToFlat, types.StrategyCloseShort, "-close"},
			{types.FlatToLong, types.StrategyOpenLong, "-open"},
		}, nil
	default:
		return nil, bridgeerr.New(bridgeerr.Validation, "dispatch.legsFor", "unrecognized position_transition "+string(t))
	}
}
