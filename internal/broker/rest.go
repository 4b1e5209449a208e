package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/config"
	"tiger-webhook/pkg/types"
)

// RESTGateway is the production Gateway backed by the broker's HTTP API. It
// rate-limits every call by category, retries transient 5xx responses, and
// caches option chains for a short TTL so a signal burst against the same
// underlying doesn't multiply broker load.
type RESTGateway struct {
	http   *resty.Client
	creds  *CredentialStore
	rl     *RateLimiter
	logger *slog.Logger

	chainTTL time.Duration
	chainMu  sync.Mutex
	chains   map[string]chainCacheEntry

	dryRun    bool
	dryRunSeq atomic.Int64
}

// NewRESTGateway builds a gateway against cfg.BaseURL, retrying on 5xx up to
// 3 times with capped exponential backoff.
func NewRESTGateway(cfg config.GatewayConfig, creds *CredentialStore, logger *slog.Logger) *RESTGateway {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTGateway{
		http:     httpClient,
		creds:    creds,
		rl:       NewRateLimiter(),
		logger:   logger,
		chainTTL: cfg.ChainCacheTTL,
		chains:   make(map[string]chainCacheEntry),
		dryRun:   cfg.DryRun,
	}
}

func (g *RESTGateway) authHeaders(accountID string) (map[string]string, error) {
	token, err := g.creds.Token(accountID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func classifyStatus(op string, resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return bridgeerr.New(bridgeerr.NotFound, op, resp.String())
	case resp.StatusCode() == http.StatusTooManyRequests:
		return bridgeerr.New(bridgeerr.RateLimited, op, resp.String())
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return bridgeerr.New(bridgeerr.AuthExpired, op, resp.String())
	case resp.StatusCode() >= 500:
		return bridgeerr.New(bridgeerr.Transport, op, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()))
	case resp.StatusCode() >= 400:
		return bridgeerr.New(bridgeerr.RejectedByBroker, op, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()))
	default:
		return nil
	}
}

func mustDecimal(op, field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, bridgeerr.Wrap(bridgeerr.Malformed, op, "parse "+field, err)
	}
	return v, nil
}

func (g *RESTGateway) FetchChain(ctx context.Context, underlying string) (*types.Chain, error) {
	const op = "RESTGateway.FetchChain"

	g.chainMu.Lock()
	if entry, ok := g.chains[underlying]; ok && time.Now().Before(entry.expiresAt) {
		g.chainMu.Unlock()
		return toChain(underlying, entry.chain)
	}
	g.chainMu.Unlock()

	if err := g.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var wire wireChainResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("underlying", underlying).
		SetResult(&wire).
		Get("/v1/chains")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Transport, op, "http request", err)
	}
	if cerr := classifyStatus(op, resp); cerr != nil {
		return nil, cerr
	}

	g.chainMu.Lock()
	g.chains[underlying] = chainCacheEntry{chain: wire, expiresAt: time.Now().Add(g.chainTTL)}
	g.chainMu.Unlock()

	return toChain(underlying, wire)
}

func toChain(underlying string, wire wireChainResponse) (*types.Chain, error) {
	const op = "RESTGateway.FetchChain"

	underlyingPrice, err := mustDecimal(op, "underlying_price", wire.UnderlyingPrice)
	if err != nil {
		return nil, err
	}

	contracts := make([]types.OptionContract, 0, len(wire.Contracts))
	for _, c := range wire.Contracts {
		expiry, err := time.Parse("2006-01-02", c.Expiry)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.Malformed, op, "parse expiry for "+c.InstrumentID, err)
		}
		strike, err := mustDecimal(op, "strike", c.Strike)
		if err != nil {
			return nil, err
		}
		tick, err := mustDecimal(op, "tick_size", c.TickSize)
		if err != nil {
			return nil, err
		}
		right := types.Call
		if c.Right == string(types.Put) {
			right = types.Put
		}
		contracts = append(contracts, types.OptionContract{
			InstrumentID: c.InstrumentID,
			Underlying:   c.Underlying,
			Expiry:       expiry,
			Strike:       strike,
			Right:        right,
			TickSize:     tick,
			Multiplier:   c.Multiplier,
			OpenInterest: c.OpenInterest,
			Volume:       c.Volume,
		})
	}

	return &types.Chain{
		Underlying:      underlying,
		UnderlyingPrice: underlyingPrice,
		Contracts:       contracts,
		FetchedAt:       time.Now(),
	}, nil
}

func (g *RESTGateway) FetchQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
	const op = "RESTGateway.FetchQuote"

	if err := g.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var wire wireQuoteResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("instrument_id", instrumentID).
		SetResult(&wire).
		Get("/v1/quotes")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Transport, op, "http request", err)
	}
	if cerr := classifyStatus(op, resp); cerr != nil {
		return nil, cerr
	}

	bid, err := mustDecimal(op, "bid", wire.Bid)
	if err != nil {
		return nil, err
	}
	ask, err := mustDecimal(op, "ask", wire.Ask)
	if err != nil {
		return nil, err
	}
	last, err := mustDecimal(op, "last", wire.Last)
	if err != nil {
		return nil, err
	}
	mark, err := mustDecimal(op, "mark", wire.Mark)
	if err != nil {
		return nil, err
	}
	underlyingPrice, err := mustDecimal(op, "underlying_price", wire.UnderlyingPrice)
	if err != nil {
		return nil, err
	}

	snap := &types.QuoteSnapshot{
		InstrumentID:    instrumentID,
		Bid:             bid,
		Ask:             ask,
		Last:            last,
		Mark:            mark,
		UnderlyingPrice: underlyingPrice,
		Timestamp:       time.Now(),
	}
	if wire.Delta != nil {
		d, err := mustDecimal(op, "delta", *wire.Delta)
		if err != nil {
			return nil, err
		}
		snap.Delta = d
		snap.HasDelta = true
	}
	return snap, nil
}

func (g *RESTGateway) PlaceLimitOrder(ctx context.Context, intent types.OrderIntent, limitPrice decimal.Decimal) (string, error) {
	return g.placeOrder(ctx, intent, "limit", limitPrice)
}

func (g *RESTGateway) PlaceMarketOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	return g.placeOrder(ctx, intent, "market", decimal.Zero)
}

func (g *RESTGateway) placeOrder(ctx context.Context, intent types.OrderIntent, orderType string, limitPrice decimal.Decimal) (string, error) {
	const op = "RESTGateway.placeOrder"

	if g.dryRun {
		id := fmt.Sprintf("dryrun-%d", g.dryRunSeq.Add(1))
		g.logger.Info("DRY-RUN: skipping order placement",
			"order_id", id, "account", intent.AccountID, "instrument", intent.InstrumentID,
			"side", intent.Side, "size", intent.Size, "order_type", orderType, "limit_price", limitPrice)
		return id, nil
	}

	if err := g.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	headers, err := g.authHeaders(intent.AccountID)
	if err != nil {
		return "", err
	}

	req := wireOrderRequest{
		InstrumentID:  intent.InstrumentID,
		Side:          string(intent.Side),
		Size:          intent.Size.String(),
		OrderType:     orderType,
		CorrelationID: intent.CorrelationID,
	}
	if orderType == "limit" {
		req.LimitPrice = limitPrice.String()
	}

	var wire wireOrderResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetResult(&wire).
		Post("/v1/orders")
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.Transport, op, "http request", err)
	}
	if cerr := classifyStatus(op, resp); cerr != nil {
		return "", cerr
	}
	return wire.OrderID, nil
}

func (g *RESTGateway) ReplaceOrder(ctx context.Context, accountID, brokerOrderID string, intent types.OrderIntent, newLimit decimal.Decimal) (string, error) {
	if _, err := g.CancelOrder(ctx, accountID, brokerOrderID); err != nil {
		return "", err
	}
	return g.PlaceLimitOrder(ctx, intent, newLimit)
}

func (g *RESTGateway) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (types.CancelResult, error) {
	const op = "RESTGateway.CancelOrder"

	if g.dryRun {
		g.logger.Info("DRY-RUN: skipping order cancel", "account", accountID, "broker_order_id", brokerOrderID)
		return types.CancelCancelled, nil
	}

	if err := g.rl.Cancel.Wait(ctx); err != nil {
		return "", err
	}
	headers, err := g.authHeaders(accountID)
	if err != nil {
		return "", err
	}

	var wire wireCancelResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&wire).
		Delete("/v1/orders/" + brokerOrderID)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.Transport, op, "http request", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.CancelNotFound, nil
	}
	if cerr := classifyStatus(op, resp); cerr != nil {
		return "", cerr
	}

	switch wire.Status {
	case "already_filled":
		return types.CancelAlreadyFilled, nil
	case "not_found":
		return types.CancelNotFound, nil
	default:
		return types.CancelCancelled, nil
	}
}

func (g *RESTGateway) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	const op = "RESTGateway.GetOpenOrders"

	if err := g.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := g.authHeaders(accountID)
	if err != nil {
		return nil, err
	}

	var wire []wireOpenOrder
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&wire).
		Get("/v1/orders/open")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Transport, op, "http request", err)
	}
	if cerr := classifyStatus(op, resp); cerr != nil {
		return nil, cerr
	}

	out := make([]types.OpenOrder, 0, len(wire))
	for _, o := range wire {
		limit, err := mustDecimal(op, "limit_price", o.LimitPrice)
		if err != nil {
			return nil, err
		}
		size, err := mustDecimal(op, "size", o.Size)
		if err != nil {
			return nil, err
		}
		filled, err := mustDecimal(op, "filled_qty", o.FilledQty)
		if err != nil {
			return nil, err
		}
		side := types.Buy
		if o.Side == string(types.Sell) {
			side = types.Sell
		}
		out = append(out, types.OpenOrder{
			AccountID:     accountID,
			BrokerOrderID: o.BrokerOrderID,
			InstrumentID:  o.InstrumentID,
			Side:          side,
			LimitPrice:    limit,
			Size:          size,
			FilledQty:     filled,
		})
	}
	return out, nil
}

func (g *RESTGateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	const op = "RESTGateway.GetPositions"

	if err := g.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := g.authHeaders(accountID)
	if err != nil {
		return nil, err
	}

	var wire []wirePosition
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&wire).
		Get("/v1/positions")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Transport, op, "http request", err)
	}
	if cerr := classifyStatus(op, resp); cerr != nil {
		return nil, cerr
	}

	out := make([]types.Position, 0, len(wire))
	for _, p := range wire {
		qty, err := mustDecimal(op, "qty", p.Qty)
		if err != nil {
			return nil, err
		}
		delta, err := mustDecimal(op, "delta", p.Delta)
		if err != nil {
			return nil, err
		}
		gamma, err := mustDecimal(op, "gamma", p.Gamma)
		if err != nil {
			return nil, err
		}
		theta, err := mustDecimal(op, "theta", p.Theta)
		if err != nil {
			return nil, err
		}
		vega, err := mustDecimal(op, "vega", p.Vega)
		if err != nil {
			return nil, err
		}
		mark, err := mustDecimal(op, "mark_price", p.MarkPrice)
		if err != nil {
			return nil, err
		}
		upl, err := mustDecimal(op, "unrealized_pl", p.UnrealizedPL)
		if err != nil {
			return nil, err
		}
		rpl, err := mustDecimal(op, "realized_pl", p.RealizedPL)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Position{
			AccountID:    accountID,
			InstrumentID: p.InstrumentID,
			Qty:          qty,
			Delta:        delta,
			Gamma:        gamma,
			Theta:        theta,
			Vega:         vega,
			MarkPrice:    mark,
			UnrealizedPL: upl,
			RealizedPL:   rpl,
		})
	}
	return out, nil
}

var _ Gateway = (*RESTGateway)(nil)
