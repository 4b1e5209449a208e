// Package broker implements the bridge's single point of contact with the
// options broker: REST order placement/cancellation, chain and quote reads,
// position and open-order polling, and an optional push fill feed. Every
// other component depends on the Gateway interface, never on the concrete
// transport, so the execution engine and polling manager can be tested
// against MockGateway without a network.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"tiger-webhook/pkg/types"
)

// Gateway is the capability surface C5 (execution), C6 (polling), and C9
// (query) depend on. All methods are safe for concurrent use.
type Gateway interface {
	// FetchChain returns the current option chain for underlying, using a
	// short-TTL cache so repeated contract-selection calls within the same
	// signal burst don't each cost a broker round trip.
	FetchChain(ctx context.Context, underlying string) (*types.Chain, error)

	// FetchQuote returns a live, uncached quote for a single instrument.
	FetchQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error)

	// PlaceLimitOrder submits a new resting limit order and returns the
	// broker's order ID.
	PlaceLimitOrder(ctx context.Context, intent types.OrderIntent, limitPrice decimal.Decimal) (string, error)

	// PlaceMarketOrder submits a marketable order for immediate execution,
	// used by the execution engine's fallback path.
	PlaceMarketOrder(ctx context.Context, intent types.OrderIntent) (string, error)

	// ReplaceOrder cancels brokerOrderID and places a new limit order at
	// newLimit for the same remaining size, returning the new broker order
	// ID. Brokers that support true in-place amend can implement this as a
	// single call; the default REST gateway implements it as cancel then
	// place.
	ReplaceOrder(ctx context.Context, accountID, brokerOrderID string, intent types.OrderIntent, newLimit decimal.Decimal) (string, error)

	// CancelOrder cancels a resting order. CancelAlreadyFilled is returned,
	// not an error, when the broker reports the order already completed.
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) (types.CancelResult, error)

	// GetOpenOrders lists all broker-resident open orders for accountID.
	GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error)

	// GetPositions lists all broker-resident positions for accountID.
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)
}
