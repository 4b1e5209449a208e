package broker

import "time"

// Wire-format payloads exchanged with the broker's REST API. Kept separate
// from pkg/types so a broker API change never ripples into the domain
// vocabulary shared by every other package.

type wireContract struct {
	InstrumentID string  `json:"instrument_id"`
	Underlying   string  `json:"underlying"`
	Expiry       string  `json:"expiry"` // RFC3339 date
	Strike       string  `json:"strike"`
	Right        string  `json:"right"` // "CALL" | "PUT"
	TickSize     string  `json:"tick_size"`
	Multiplier   int     `json:"multiplier"`
	OpenInterest int64   `json:"open_interest"`
	Volume       int64   `json:"volume"`
}

type wireChainResponse struct {
	Underlying      string         `json:"underlying"`
	UnderlyingPrice string         `json:"underlying_price"`
	Contracts       []wireContract `json:"contracts"`
}

type wireQuoteResponse struct {
	InstrumentID    string  `json:"instrument_id"`
	Bid             string  `json:"bid"`
	Ask             string  `json:"ask"`
	Last            string  `json:"last"`
	Mark            string  `json:"mark"`
	UnderlyingPrice string  `json:"underlying_price"`
	Delta           *string `json:"delta"`
}

type wireOrderRequest struct {
	InstrumentID  string `json:"instrument_id"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	OrderType     string `json:"order_type"` // "limit" | "market"
	LimitPrice    string `json:"limit_price,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type wireOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type wireCancelResponse struct {
	Status string `json:"status"` // "cancelled" | "already_filled" | "not_found"
}

type wireOpenOrder struct {
	BrokerOrderID string `json:"order_id"`
	InstrumentID  string `json:"instrument_id"`
	Side          string `json:"side"`
	LimitPrice    string `json:"limit_price"`
	Size          string `json:"size"`
	FilledQty     string `json:"filled_qty"`
}

type wirePosition struct {
	InstrumentID string `json:"instrument_id"`
	Qty          string `json:"qty"`
	Delta        string `json:"delta"`
	Gamma        string `json:"gamma"`
	Theta        string `json:"theta"`
	Vega         string `json:"vega"`
	MarkPrice    string `json:"mark_price"`
	UnrealizedPL string `json:"unrealized_pl"`
	RealizedPL   string `json:"realized_pl"`
}

type chainCacheEntry struct {
	chain      wireChainResponse
	expiresAt  time.Time
}
