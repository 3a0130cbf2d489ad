package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// PriceHandler is called with a price observation for a subscribed token.
type PriceHandler func(domain.PricePoint)

// WSClient is a WebSocket client for the Polymarket CLOB market data feed.
// It manages the connection lifecycle and subscriptions, and dispatches
// trade-price observations to registered handlers.
type WSClient struct {
	wsURL        string
	reconnectMin time.Duration
	reconnectMax time.Duration
	conn         *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscribed token IDs, restored on reconnect.
	assets []string

	handlerMu sync.RWMutex
	handlers  []PriceHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a WebSocket client for the given endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:        wsURL,
		reconnectMin: reconnectDelay,
		reconnectMax: maxReconnectDelay,
		done:         make(chan struct{}),
	}
}

// SetReconnectBackoff overrides the reconnect backoff bounds. Non-positive
// values keep the defaults.
func (w *WSClient) SetReconnectBackoff(min, max time.Duration) {
	if min > 0 {
		w.reconnectMin = min
	}
	if max > 0 {
		w.reconnectMax = max
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. Previously subscribed assets are re-subscribed.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.assets) > 0 {
		cmd := WSCommand{Type: "subscribe", Channel: "market", Assets: w.assets}
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to market data for the given token IDs.
func (w *WSClient) Subscribe(ctx context.Context, tokenIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{Type: "subscribe", Channel: "market", Assets: tokenIDs}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	// Track for reconnection, deduplicated.
	known := make(map[string]struct{}, len(w.assets))
	for _, a := range w.assets {
		known[a] = struct{}{}
	}
	for _, t := range tokenIDs {
		if _, ok := known[t]; !ok {
			w.assets = append(w.assets, t)
		}
	}

	return nil
}

// Unsubscribe stops market data for the given token IDs.
func (w *WSClient) Unsubscribe(ctx context.Context, tokenIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{Type: "unsubscribe", Channel: "market", Assets: tokenIDs}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(tokenIDs))
	for _, t := range tokenIDs {
		drop[t] = struct{}{}
	}
	kept := w.assets[:0]
	for _, a := range w.assets {
		if _, ok := drop[a]; !ok {
			kept = append(kept, a)
		}
	}
	w.assets = kept

	return nil
}

// OnPrice registers a handler called for every trade-price observation.
func (w *WSClient) OnPrice(handler PriceHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them. On disconnect it attempts to reconnect with exponential backoff.
func (w *WSClient) readLoop() {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and emits a PricePoint for trade-price and
// price-change events. Other event types are ignored.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope struct {
		MsgType string `json:"msg_type"`
		Event   string `json:"event_type"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // drop unparseable frames
	}

	msgType := envelope.MsgType
	if msgType == "" {
		msgType = envelope.Event
	}

	var point domain.PricePoint
	switch msgType {
	case "last_trade_price":
		var ltp LastTradeMessage
		if err := json.Unmarshal(raw, &ltp); err != nil {
			return
		}
		point = pricePoint(ltp.AssetID, ltp.Price, ltp.Timestamp)

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		point = pricePoint(pc.AssetID, pc.Price, pc.Timestamp)

	default:
		return
	}

	if point.TokenID == "" || point.Price <= 0 {
		return
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(point)
	}
}

// pricePoint builds a domain.PricePoint from raw string fields.
func pricePoint(tokenID, price, ts string) domain.PricePoint {
	p := domain.PricePoint{TokenID: tokenID}
	p.Price, _ = strconv.ParseFloat(price, 64)

	if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
		// The feed sends millisecond epochs.
		if unix > 1e12 {
			p.At = time.UnixMilli(unix).UTC()
		} else {
			p.At = time.Unix(unix, 0).UTC()
		}
	} else {
		p.At = time.Now().UTC()
	}
	return p
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := w.reconnectMin

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > w.reconnectMax {
			delay = w.reconnectMax
		}
	}
}
