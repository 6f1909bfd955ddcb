package feed

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/config"
	"github.com/tkachev-artem/cryptocraze-market/internal/metrics"
	"github.com/tkachev-artem/cryptocraze-market/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// State is the feed connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TickHandler receives normalized ticks. Handlers run on the read
// goroutine and must not block.
type TickHandler func(models.Tick)

// subscribeMessage is the exchange stream control frame.
type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// tradeMessage represents an exchange trade event. The exchange sends
// either "trade" or "aggTrade" events depending on the stream; both carry
// the same fields this client cares about.
type tradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
	EventTime int64  `json:"E"`
}

// Client owns exactly one long-lived streaming connection to the exchange.
// Every error, network or protocol, routes into the same reconnect loop;
// the client retries indefinitely with capped exponential backoff.
type Client struct {
	cfg    *config.FeedConfig
	logger *logrus.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	subs    map[string]bool
	attempt int
	msgID   int

	handlersMu sync.RWMutex
	handlers   []TickHandler

	lastInbound atomic.Int64 // unix nano of last inbound frame

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewClient creates a new exchange feed client
func NewClient(cfg *config.FeedConfig, logger *logrus.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		state:    StateDisconnected,
		subs:     make(map[string]bool),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// OnTick registers a handler for normalized ticks.
func (c *Client) OnTick(handler TickHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Start launches the connection manager goroutine.
func (c *Client) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.run()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe adds a symbol to the subscription set. Duplicate subscribe is
// a no-op. The outgoing subscribe command is deliberately delayed to avoid
// bursts that trigger exchange-side throttling; the delay blocks only the
// issuing of the command.
func (c *Client) Subscribe(symbol string) {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	if c.subs[symbol] {
		c.mu.Unlock()
		return
	}
	c.subs[symbol] = true
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		// Covered by the batched resubscribe on the next connect.
		return
	}

	time.AfterFunc(c.cfg.SubscribeDelay, func() {
		c.mu.Lock()
		still := c.subs[symbol]
		c.mu.Unlock()
		if still {
			c.sendCommand("SUBSCRIBE", symbol)
		}
	})
}

// Unsubscribe removes a symbol from the subscription set.
func (c *Client) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	if !c.subs[symbol] {
		c.mu.Unlock()
		return
	}
	delete(c.subs, symbol)
	c.mu.Unlock()

	c.sendCommand("UNSUBSCRIBE", symbol)
}

// Shutdown stops the reconnect loop and releases the connection.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.state = StateDisconnected
		c.mu.Unlock()
	})
	if c.started.Load() {
		<-c.doneChan
	}
}

// run is the reconnection loop. Disconnected -> Connecting on start or any
// error; Connecting -> Connected on handshake (resets the attempt counter
// and resubscribes); Connected -> Disconnected on socket error or close.
func (c *Client) run() {
	defer close(c.doneChan)

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.setState(StateConnecting)

		conn, _, err := c.dialer.Dial(c.cfg.WSUrl, nil)
		if err != nil {
			c.logger.WithError(err).Warn("Feed connection failed")
			if !c.waitBackoff() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.attempt = 0
		c.mu.Unlock()
		c.lastInbound.Store(time.Now().UnixNano())
		c.logger.Infof("Feed connected (%s)", c.cfg.WSUrl)

		if err := c.resubscribeAll(); err != nil {
			c.logger.WithError(err).Warn("Feed resubscribe failed")
			c.teardown(conn)
			if !c.waitBackoff() {
				return
			}
			continue
		}

		pingStop := make(chan struct{})
		go c.keepalive(conn, pingStop)

		err = c.readLoop(conn)
		close(pingStop)
		c.teardown(conn)

		select {
		case <-c.stopChan:
			return
		default:
		}

		if err != nil {
			c.logger.WithError(err).Warn("Feed connection lost")
		}
		if !c.waitBackoff() {
			return
		}
	}
}

// waitBackoff sleeps for the next backoff interval. Returns false when the
// client was shut down during the wait.
func (c *Client) waitBackoff() bool {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.state = StateDisconnected
	c.mu.Unlock()

	delay := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffMax)
	metrics.FeedReconnects.Inc()
	c.logger.Infof("Feed reconnecting in %v (attempt %d)", delay, attempt+1)

	select {
	case <-time.After(delay):
		return true
	case <-c.stopChan:
		return false
	}
}

// resubscribeAll re-issues one batched subscribe covering the entire
// current subscription set, so a reconnect never loses coverage.
func (c *Client) resubscribeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subs) == 0 || c.conn == nil {
		return nil
	}

	params := make([]string, 0, len(c.subs))
	for symbol := range c.subs {
		params = append(params, streamName(symbol))
	}
	sort.Strings(params)

	c.msgID++
	msg := subscribeMessage{Method: "SUBSCRIBE", Params: params, ID: c.msgID}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}

	c.logger.Infof("Subscribed to %d streams", len(params))
	return nil
}

// sendCommand sends a single-symbol control frame. Sends attempted while
// not Connected are silently dropped; the subscription set still covers
// the symbol on the next reconnect.
func (c *Client) sendCommand(method, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		c.logger.Debugf("Dropping %s %s: not connected", method, symbol)
		return
	}

	c.msgID++
	msg := subscribeMessage{Method: method, Params: []string{streamName(symbol)}, ID: c.msgID}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.WithError(err).Debugf("Failed to send %s for %s", method, symbol)
	}
}

// keepalive pings the connection when no inbound traffic arrived within
// the ping interval. Guards against silent half-open connections; the
// exchange is expected to ping on its own.
func (c *Client) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastInbound.Load()))
			if idle < c.cfg.PingInterval {
				continue
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).Debug("Keepalive ping failed")
				return
			}
		}
	}
}

// readLoop reads frames until the connection dies.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-c.stopChan:
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastInbound.Store(time.Now().UnixNano())

		tick, ok := parseTrade(message)
		if !ok {
			// Control frames, subscribe acks and malformed payloads all
			// land here; none of them may crash or stall the loop.
			metrics.FeedDroppedFrames.Inc()
			continue
		}

		metrics.FeedTicks.WithLabelValues(tick.Symbol).Inc()
		c.emit(tick)
	}
}

func (c *Client) emit(tick models.Tick) {
	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(tick)
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// parseTrade normalizes an inbound frame into a tick. Any message lacking
// a recognized trade-event shape, a parseable symbol, or a finite positive
// price is discarded.
func parseTrade(message []byte) (models.Tick, bool) {
	var msg tradeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.Tick{}, false
	}

	if msg.EventType != "trade" && msg.EventType != "aggTrade" {
		return models.Tick{}, false
	}
	if msg.Symbol == "" {
		return models.Tick{}, false
	}

	d, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return models.Tick{}, false
	}
	price := d.InexactFloat64()
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return models.Tick{}, false
	}

	ts := msg.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return models.Tick{
		Symbol:    strings.ToUpper(msg.Symbol),
		Price:     price,
		Timestamp: ts,
	}, true
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}
