package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tiger-webhook/pkg/types"
)

// MockGateway simulates a broker for mock_mode: every order fills
// immediately at its requested price and positions/open orders are
// synthesized from what MockGateway itself has been asked to place. It
// never makes a network call, so bring-up and local testing don't require
// broker credentials.
type MockGateway struct {
	logger *slog.Logger

	// OnFill, if set, is invoked synchronously every time an order fills.
	// main.go wires this to the execution engine's ObserveFill so mock fills
	// drive the same order-state machine a real broker's fill feed would,
	// instead of sitting invisible until the next order-polling tick.
	OnFill func(types.FillEvent)

	mu         sync.Mutex
	positions  map[string]map[string]types.Position // accountID -> instrumentID -> Position
	openOrders map[string][]types.OpenOrder          // accountID -> orders (always empty: fills are instant)
	seq        atomic.Int64
}

// NewMockGateway constructs an in-memory gateway for mock_mode.
func NewMockGateway(logger *slog.Logger) *MockGateway {
	return &MockGateway{
		logger:     logger,
		positions:  make(map[string]map[string]types.Position),
		openOrders: make(map[string][]types.OpenOrder),
	}
}

func (m *MockGateway) FetchChain(ctx context.Context, underlying string) (*types.Chain, error) {
	tick := decimal.NewFromFloat(0.05)
	price := decimal.NewFromFloat(100)
	expiry := time.Now().AddDate(0, 0, 30)

	contracts := make([]types.OptionContract, 0, 2)
	for _, right := range []types.Right{types.Call, types.Put} {
		contracts = append(contracts, types.OptionContract{
			InstrumentID: fmt.Sprintf("%s-%s-100-%c", underlying, expiry.Format("060102"), rightLetter(right)),
			Underlying:   underlying,
			Expiry:       expiry,
			Strike:       price,
			Right:        right,
			TickSize:     tick,
			Multiplier:   100,
			OpenInterest: 1000,
			Volume:       500,
		})
	}

	return &types.Chain{
		Underlying:      underlying,
		UnderlyingPrice: price,
		Contracts:       contracts,
		FetchedAt:       time.Now(),
	}, nil
}

func rightLetter(r types.Right) byte {
	if r == types.Put {
		return 'P'
	}
	return 'C'
}

func (m *MockGateway) FetchQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
	return &types.QuoteSnapshot{
		InstrumentID:    instrumentID,
		Bid:             decimal.NewFromFloat(1.00),
		Ask:             decimal.NewFromFloat(1.05),
		Last:            decimal.NewFromFloat(1.02),
		Mark:            decimal.NewFromFloat(1.02),
		UnderlyingPrice: decimal.NewFromFloat(100),
		Delta:           decimal.NewFromFloat(0.30),
		HasDelta:        true,
		Timestamp:       time.Now(),
	}, nil
}

func (m *MockGateway) PlaceLimitOrder(ctx context.Context, intent types.OrderIntent, limitPrice decimal.Decimal) (string, error) {
	return m.fill(intent, limitPrice)
}

func (m *MockGateway) PlaceMarketOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	return m.fill(intent, decimal.NewFromFloat(1.02))
}

func (m *MockGateway) fill(intent types.OrderIntent, price decimal.Decimal) (string, error) {
	id := fmt.Sprintf("mock-%d", m.seq.Add(1))

	m.mu.Lock()
	acct, ok := m.positions[intent.AccountID]
	if !ok {
		acct = make(map[string]types.Position)
		m.positions[intent.AccountID] = acct
	}
	pos := acct[intent.InstrumentID]
	pos.AccountID = intent.AccountID
	pos.InstrumentID = intent.InstrumentID
	signedQty := intent.Size
	if intent.Side == types.Sell {
		signedQty = signedQty.Neg()
	}
	pos.Qty = pos.Qty.Add(signedQty)
	pos.MarkPrice = price
	acct[intent.InstrumentID] = pos
	onFill := m.OnFill
	m.mu.Unlock()

	m.logger.Info("mock fill", "account", intent.AccountID, "instrument", intent.InstrumentID, "order_id", id, "price", price)

	if onFill != nil {
		onFill(types.FillEvent{
			AccountID:     intent.AccountID,
			InstrumentID:  intent.InstrumentID,
			BrokerOrderID: id,
			FilledQty:     intent.Size,
			FillPrice:     price,
		})
	}
	return id, nil
}

func (m *MockGateway) ReplaceOrder(ctx context.Context, accountID, brokerOrderID string, intent types.OrderIntent, newLimit decimal.Decimal) (string, error) {
	return m.PlaceLimitOrder(ctx, intent, newLimit)
}

func (m *MockGateway) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (types.CancelResult, error) {
	return types.CancelAlreadyFilled, nil
}

func (m *MockGateway) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.OpenOrder(nil), m.openOrders[accountID]...), nil
}

func (m *MockGateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.positions[accountID]
	out := make([]types.Position, 0, len(acct))
	for _, p := range acct {
		out = append(out, p)
	}
	return out, nil
}

var _ Gateway = (*MockGateway)(nil)
