// Package query implements the operator-facing read model (C9): plain
// projections assembled from live component state on each call. Grounded
// on the teacher's internal/api/snapshot.go provider pattern — a narrow
// interface the HTTP layer calls into rather than a cached materialized
// view, since spec.md §4.9 only requires self-consistency within a single
// view, not across views.
package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/broker"
	"tiger-webhook/internal/deltastore"
	"tiger-webhook/pkg/types"
)

// healthProbeInstrument is never a real instrument; GatewayReachable only
// cares whether the gateway answers at all, not what it says.
const healthProbeInstrument = "__health_probe__"

// PollingStatusProvider is the narrow slice of C6 this package depends on.
type PollingStatusProvider interface {
	PositionsStatus() types.PollingStatus
	OrdersStatus() types.PollingStatus
}

// PositionsSummary is the per-account aggregate returned by Positions.
type PositionsSummary struct {
	AccountID    string
	Positions    []types.Position
	NetDelta     decimal.Decimal
	NetGamma     decimal.Decimal
	NetTheta     decimal.Decimal
	NetVega      decimal.Decimal
	UnrealizedPL decimal.Decimal
	RealizedPL   decimal.Decimal
	AsOf         time.Time
}

// Service answers the operator query surface. It holds no state of its
// own; every call reads through to the owning component.
type Service struct {
	gw      broker.Gateway
	store   *deltastore.Store
	polling PollingStatusProvider
}

// New builds a Service over the live component handles it reads through to.
func New(gw broker.Gateway, store *deltastore.Store, polling PollingStatusProvider) *Service {
	return &Service{gw: gw, store: store, polling: polling}
}

// Positions fetches accountID's positions from the broker and folds them
// into per-account Greek and P&L totals. A single gateway call backs the
// whole view, so it is internally consistent at the instant of that call.
func (s *Service) Positions(ctx context.Context, accountID string) (PositionsSummary, error) {
	positions, err := s.gw.GetPositions(ctx, accountID)
	if err != nil {
		return PositionsSummary{}, err
	}

	summary := PositionsSummary{
		AccountID: accountID,
		Positions: positions,
		AsOf:      time.Now(),
	}
	for _, p := range positions {
		summary.NetDelta = summary.NetDelta.Add(p.Delta)
		summary.NetGamma = summary.NetGamma.Add(p.Gamma)
		summary.NetTheta = summary.NetTheta.Add(p.Theta)
		summary.NetVega = summary.NetVega.Add(p.Vega)
		summary.UnrealizedPL = summary.UnrealizedPL.Add(p.UnrealizedPL)
		summary.RealizedPL = summary.RealizedPL.Add(p.RealizedPL)
	}
	return summary, nil
}

// PollingStatus returns the current status of both C6 loops.
func (s *Service) PollingStatus() (positions, orders types.PollingStatus) {
	return s.polling.PositionsStatus(), s.polling.OrdersStatus()
}

// GatewayReachable probes the broker gateway with a throwaway quote lookup.
// A not-found/rejected response still means the broker answered, so only a
// transport-kind error (the gateway never got a response at all) counts as
// unreachable.
func (s *Service) GatewayReachable(ctx context.Context) bool {
	_, err := s.gw.FetchQuote(ctx, healthProbeInstrument)
	if err == nil {
		return true
	}
	return bridgeerr.KindOf(err) != bridgeerr.Transport
}

// DeltaRecordFilter narrows DeltaRecords to a window and, optionally, a
// single action.
type DeltaRecordFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
	Action    types.DeltaAction // empty means "any"
	Limit     int
	Offset    int
}

// DeltaRecords returns a page of Delta ledger rows matching filter,
// newest first (the ordering Store.ByAccount already reads in). Action
// filtering and paging happen in-process since deltastore.Store doesn't
// expose a filtered/paged query directly.
func (s *Service) DeltaRecords(ctx context.Context, filter DeltaRecordFilter) ([]types.DeltaRecord, error) {
	rows, err := s.store.ByAccount(ctx, filter.AccountID, filter.From, filter.To)
	if err != nil {
		return nil, err
	}

	filtered := rows[:0:0]
	for _, r := range rows {
		if filter.Action != "" && r.Action != filter.Action {
			continue
		}
		filtered = append(filtered, r)
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []types.DeltaRecord{}, nil
	}
	filtered = filtered[offset:]

	limit := filter.Limit
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	return filtered[:limit], nil
}

// DeltaSummary aggregates Delta ledger activity for accountID over
// [from, to).
func (s *Service) DeltaSummary(ctx context.Context, accountID string, from, to time.Time) (types.DeltaSummary, error) {
	return s.store.Summary(ctx, accountID, from, to)
}

// Chain passes through to the broker gateway's (cached) chain fetch,
// optionally narrowing to a single expiry.
func (s *Service) Chain(ctx context.Context, underlying string, expiry time.Time) (*types.Chain, error) {
	chain, err := s.gw.FetchChain(ctx, underlying)
	if err != nil {
		return nil, err
	}
	if expiry.IsZero() {
		return chain, nil
	}

	narrowed := *chain
	narrowed.Contracts = narrowed.Contracts[:0:0]
	for _, c := range chain.Contracts {
		if sameDate(c.Expiry, expiry) {
			narrowed.Contracts = append(narrowed.Contracts, c)
		}
	}
	return &narrowed, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
