// wsfeed.go implements the optional broker push-fill feed. The order
// polling loop remains the system of record for fills; WSFeed only
// publishes pushed fills on its own channel. cmd/bridge does not construct
// a WSFeed, so nothing connects it to the execution engine.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tiger-webhook/pkg/types"
)

const (
	wsPingInterval     = 30 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	fillBufferSize     = 128
)

// WSFeed subscribes to one account's fill stream and auto-reconnects with
// exponential backoff (1s to 30s) on any disconnect.
type WSFeed struct {
	url       string
	token     string
	accountID string

	connMu sync.Mutex
	conn   *websocket.Conn

	fillCh chan types.FillEvent
	logger *slog.Logger
}

// NewWSFeed builds a push feed for accountID, authenticating with token.
func NewWSFeed(url, accountID, token string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:       url,
		token:     token,
		accountID: accountID,
		fillCh:    make(chan types.FillEvent, fillBufferSize),
		logger:    logger.With("component", "ws_feed", "account", accountID),
	}
}

// Fills returns a read-only channel of fill events for this account.
func (f *WSFeed) Fills() <-chan types.FillEvent { return f.fillCh }

// Run connects and maintains the connection until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("fill feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close closes the underlying connection, if any.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + f.token}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(map[string]string{"op": "subscribe", "account_id": f.accountID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("fill feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

type wireFillEvent struct {
	BrokerOrderID string `json:"order_id"`
	InstrumentID  string `json:"instrument_id"`
	FilledQty     string `json:"filled_qty"`
	FillPrice     string `json:"fill_price"`
}

func (f *WSFeed) dispatch(data []byte) {
	var evt wireFillEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Debug("ignoring unparseable fill message", "data", string(data))
		return
	}
	if evt.BrokerOrderID == "" {
		return
	}

	qty, err := decimal.NewFromString(evt.FilledQty)
	if err != nil {
		f.logger.Debug("ignoring fill with unparseable quantity", "data", string(data))
		return
	}
	price, err := decimal.NewFromString(evt.FillPrice)
	if err != nil {
		f.logger.Debug("ignoring fill with unparseable price", "data", string(data))
		return
	}

	select {
	case f.fillCh <- types.FillEvent{
		AccountID:     f.accountID,
		BrokerOrderID: evt.BrokerOrderID,
		InstrumentID:  evt.InstrumentID,
		FilledQty:     qty,
		FillPrice:     price,
		Timestamp:     time.Now(),
	}:
	default:
		f.logger.Warn("fill channel full, dropping event", "order_id", evt.BrokerOrderID)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
