// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bridge — signals, option
// contracts, quotes, orders, and Delta records. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Right is an option's put/call designation.
type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// RoundMode selects how RoundToTick resolves a price that falls between
// two ticks.
type RoundMode string

const (
	RoundNearest RoundMode = "nearest" // ties go to the even tick
	RoundFloor   RoundMode = "floor"
	RoundCeil    RoundMode = "ceil"
)

// PositionTransition is the market-position change a Signal asserts.
type PositionTransition string

const (
	FlatToLong   PositionTransition = "flat->long"
	LongToFlat   PositionTransition = "long->flat"
	FlatToShort  PositionTransition = "flat->short"
	ShortToFlat  PositionTransition = "short->flat"
	LongToShort  PositionTransition = "long->short"
	ShortToLong  PositionTransition = "short->long"
	LongToLong   PositionTransition = "long->long"
	ShortToShort PositionTransition = "short->short"
)

// Strategy labels the intent behind an OrderIntent, used to pick the Delta
// record action on fill.
type Strategy string

const (
	StrategyOpenLong   Strategy = "open_long"
	StrategyCloseLong  Strategy = "close_long"
	StrategyOpenShort  Strategy = "open_short"
	StrategyCloseShort Strategy = "close_short"
	StrategyRoll       Strategy = "roll"
)

// OrderState is a ManagedOrder's position in the C5 state machine.
type OrderState string

const (
	StateIdle           OrderState = "idle"
	StatePlacing        OrderState = "placing"
	StateWorking        OrderState = "working"
	StateStepping       OrderState = "stepping"
	StateCancelling     OrderState = "cancelling"
	StateMarketFallback OrderState = "market_fallback"
	StateMarketPlaced   OrderState = "market_placed"
	StateFilled         OrderState = "filled"
	StateCancelled      OrderState = "cancelled"
	StateFailed         OrderState = "failed"
)

// DeltaAction classifies why a DeltaRecord was written.
type DeltaAction string

const (
	ActionOpen    DeltaAction = "open"
	ActionClose   DeltaAction = "close"
	ActionAdjust  DeltaAction = "adjust"
	ActionObserve DeltaAction = "observe"
	ActionTarget  DeltaAction = "target"
)

// CancelResult is the outcome of a cancel_order call.
type CancelResult string

const (
	CancelCancelled     CancelResult = "cancelled"
	CancelAlreadyFilled CancelResult = "already_filled"
	CancelNotFound      CancelResult = "not_found"
)

// ————————————————————————————————————————————————————————————————————————
// Signal (inbound webhook envelope)
// ————————————————————————————————————————————————————————————————————————

// Signal is the validated, immutable inbound trade alert. Once constructed
// by the dispatcher's ingress path it is never mutated.
type Signal struct {
	AccountID          string
	Side               Side
	PositionTransition PositionTransition
	Size               decimal.Decimal
	Underlying         string
	CorrelationID      string // synthesized if the webhook body omitted tv_id
	Comment            string
	ReceivedAt         time.Time // the webhook's timestamp, or the receipt time when it has none
}

// ————————————————————————————————————————————————————————————————————————
// Option contracts and quotes
// ————————————————————————————————————————————————————————————————————————

// OptionContract identifies a single broker-tradable option instrument.
// Transient: fetched from the broker and cached with a short TTL.
type OptionContract struct {
	InstrumentID string
	Underlying   string
	Expiry       time.Time
	Strike       decimal.Decimal
	Right        Right
	TickSize     decimal.Decimal
	Multiplier   int

	// Enrichment carried alongside the contract for selection tie-breaks;
	// zero values mean "unknown", not "zero".
	OpenInterest int64
	Volume       int64
}

// Chain is a snapshot of an underlying's option chain, optionally filtered
// to a single expiry by the gateway.
type Chain struct {
	Underlying      string
	UnderlyingPrice decimal.Decimal
	Contracts       []OptionContract
	FetchedAt       time.Time
}

// QuoteSnapshot is a single-shot live quote. Never persisted.
type QuoteSnapshot struct {
	InstrumentID    string
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	Last            decimal.Decimal
	Mark            decimal.Decimal
	UnderlyingPrice decimal.Decimal
	Delta           decimal.Decimal // may be zero-value meaning "not provided"
	HasDelta        bool
	Timestamp       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is handed from the dispatcher (C7) to the execution engine
// (C5). Immutable once constructed; ownership transfers to C5 on hand-off.
type OrderIntent struct {
	AccountID     string
	InstrumentID  string
	Side          Side
	Size          decimal.Decimal
	TickSize      decimal.Decimal
	CorrelationID string
	Strategy      Strategy
	CreatedAt     time.Time
}

// ManagedOrder is the execution engine's internal record for one order's
// lifecycle. The engine mutates it only while holding that order's lock.
type ManagedOrder struct {
	Intent           OrderIntent
	BrokerOrderID    string // empty until first placement
	State            OrderState
	CurrentLimit     decimal.Decimal
	StepIndex        int
	PlacedAt         time.Time
	LastTransitionAt time.Time
	FilledQty        decimal.Decimal
	AvgFillPrice     decimal.Decimal
	CancelReason     string
	Attempts         int
}

// Fill is one partial or full execution against a ManagedOrder.
type Fill struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
	Time  time.Time
}

// Position is the broker's authoritative view of one instrument's holding.
type Position struct {
	AccountID    string
	InstrumentID string
	Qty          decimal.Decimal
	Delta        decimal.Decimal
	Gamma        decimal.Decimal
	Theta        decimal.Decimal
	Vega         decimal.Decimal
	MarkPrice    decimal.Decimal
	UnrealizedPL decimal.Decimal
	RealizedPL   decimal.Decimal
}

// OpenOrder is the broker's authoritative view of a resting order, used by
// the order-polling loop (C6) to reconcile against engine-known orders.
type OpenOrder struct {
	AccountID     string
	BrokerOrderID string
	InstrumentID  string
	Side          Side
	LimitPrice    decimal.Decimal
	Size          decimal.Decimal
	FilledQty     decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Delta ledger
// ————————————————————————————————————————————————————————————————————————

// DeltaRecord is one row of the C3 Delta ledger.
type DeltaRecord struct {
	ID                 int64
	AccountID          string
	InstrumentID       string
	CorrelationID      string // nullable: empty string means null
	Action             DeltaAction
	TargetDelta        *decimal.Decimal
	MovePositionDelta  *decimal.Decimal
	ObservedDelta      *decimal.Decimal
	OrderID            string // nullable
	CreatedAt          time.Time
	TVSignalID         string // nullable
}

// DeltaSummary aggregates a time range of DeltaRecords for one account.
type DeltaSummary struct {
	CountByAction     map[DeltaAction]int64
	NetObservedDelta  decimal.Decimal
	LastUpdated       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Polling
// ————————————————————————————————————————————————————————————————————————

// PollingStatus is the read model for one C6 loop.
type PollingStatus struct {
	Name                string
	Enabled             bool
	Interval            time.Duration
	LastTickStartedAt   time.Time
	LastTickEndedAt     time.Time
	LastError           string
	ConsecutiveErrors   int
	TickCount           int64
}

// ————————————————————————————————————————————————————————————————————————
// Push feed (optional broker fill stream)
// ————————————————————————————————————————————————————————————————————————

// FillEvent is a push notification from an optional broker WebSocket feed.
// Mirrors the same information the order-polling loop would otherwise have
// to discover by reconciliation; delivery is best-effort, the poller
// remains the source of truth.
type FillEvent struct {
	AccountID     string
	BrokerOrderID string
	InstrumentID  string
	FilledQty     decimal.Decimal
	FillPrice     decimal.Decimal
	Timestamp     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Notifications (C8)
// ————————————————————————————————————————————————————————————————————————

// NotificationKind is the closed set of structured events the notifier
// knows how to render.
type NotificationKind string

const (
	NotifyOrderPlaced     NotificationKind = "order_placed"
	NotifyOrderFilled     NotificationKind = "order_filled"
	NotifyOrderFailed     NotificationKind = "order_failed"
	NotifyPollingDisabled NotificationKind = "polling_disabled"
	NotifyDeltaBreach     NotificationKind = "delta_breach"
)

// Notification is one event handed to the notifier. Delivery is always
// best-effort: callers never block on or branch on its outcome.
type Notification struct {
	Kind         NotificationKind
	AccountID    string
	InstrumentID string // empty when not applicable (e.g. PollingDisabled)
	Message      string
	Timestamp    time.Time
}
