package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tkachev-artem/cryptocraze-market/internal/config"
	"github.com/tkachev-artem/cryptocraze-market/internal/metrics"
	"github.com/tkachev-artem/cryptocraze-market/internal/models"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

// fakeExchange is a websocket server that records inbound control frames
// and can push raw frames to the connected client.
type fakeExchange struct {
	server *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands []subscribeMessage

	connected chan *websocket.Conn
	received  chan subscribeMessage
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()

	fe := &fakeExchange{
		connected: make(chan *websocket.Conn, 10),
		received:  make(chan subscribeMessage, 100),
	}

	upgrader := websocket.Upgrader{}
	fe.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		fe.mu.Lock()
		fe.conns = append(fe.conns, conn)
		fe.mu.Unlock()
		fe.connected <- conn

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg subscribeMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			fe.mu.Lock()
			fe.commands = append(fe.commands, msg)
			fe.mu.Unlock()
			fe.received <- msg
		}
	}))

	t.Cleanup(fe.close)
	return fe
}

func (fe *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fe.server.URL, "http")
}

func (fe *fakeExchange) push(conn *websocket.Conn, payload string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (fe *fakeExchange) commandsFor(method string) []subscribeMessage {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	var out []subscribeMessage
	for _, cmd := range fe.commands {
		if cmd.Method == method {
			out = append(out, cmd)
		}
	}
	return out
}

func (fe *fakeExchange) close() {
	fe.mu.Lock()
	for _, conn := range fe.conns {
		conn.Close()
	}
	fe.mu.Unlock()
	fe.server.Close()
}

func newTestClient(t *testing.T, wsURL string) *Client {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &config.FeedConfig{
		Enabled:        true,
		WSUrl:          wsURL,
		SubscribeDelay: 10 * time.Millisecond,
		PingInterval:   time.Minute,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
	client := NewClient(cfg, logger)
	t.Cleanup(client.Shutdown)
	return client
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	fe := newFakeExchange(t)
	client := newTestClient(t, fe.url())
	client.Start()

	<-fe.connected
	waitFor(t, time.Second, func() bool { return client.State() == StateConnected }, "client never connected")

	client.Subscribe("BTCUSDT")
	client.Subscribe("BTCUSDT")
	client.Subscribe("btcusdt")

	select {
	case cmd := <-fe.received:
		if cmd.Method != "SUBSCRIBE" || len(cmd.Params) != 1 || cmd.Params[0] != "btcusdt@trade" {
			t.Fatalf("unexpected command %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe command never sent")
	}

	// No second command for the duplicate calls.
	select {
	case cmd := <-fe.received:
		t.Fatalf("duplicate subscribe sent: %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectResubscribesFullSet(t *testing.T) {
	fe := newFakeExchange(t)
	client := newTestClient(t, fe.url())

	// Symbols tracked before the first connect are covered by one
	// batched subscribe.
	client.Subscribe("BTCUSDT")
	client.Subscribe("ETHUSDT")
	client.Start()

	conn := <-fe.connected
	cmd := <-fe.received
	if cmd.Method != "SUBSCRIBE" || len(cmd.Params) != 2 {
		t.Fatalf("expected one batched subscribe for 2 symbols, got %+v", cmd)
	}

	// Force a disconnect; the client must reconnect and re-issue the
	// entire current set.
	conn.Close()

	select {
	case <-fe.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}

	select {
	case cmd = <-fe.received:
	case <-time.After(2 * time.Second):
		t.Fatal("no resubscribe after reconnect")
	}

	if len(cmd.Params) != 2 {
		t.Fatalf("resubscribe lost coverage: %+v", cmd)
	}
	want := map[string]bool{"btcusdt@trade": true, "ethusdt@trade": true}
	for _, p := range cmd.Params {
		if !want[p] {
			t.Errorf("unexpected stream %q in resubscribe", p)
		}
	}
}

func TestTickDeliveryAndMalformedFrames(t *testing.T) {
	fe := newFakeExchange(t)
	client := newTestClient(t, fe.url())

	var mu sync.Mutex
	var ticks []models.Tick
	client.OnTick(func(tick models.Tick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})

	client.Subscribe("BTCUSDT")
	client.Start()

	conn := <-fe.connected
	<-fe.received

	frames := []string{
		`not json at all`,
		`{"result":null,"id":1}`,
		`{"e":"trade","s":"BTCUSDT","p":"not-a-number","T":1}`,
		`{"e":"trade","s":"","p":"100","T":1}`,
		`{"e":"trade","s":"BTCUSDT","p":"-5","T":1}`,
		`{"e":"trade","s":"BTCUSDT","p":"65000.5","T":1700000000000}`,
	}
	for _, frame := range frames {
		if err := fe.push(conn, frame); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) == 1
	}, "expected exactly one valid tick")

	mu.Lock()
	tick := ticks[0]
	mu.Unlock()

	if tick.Symbol != "BTCUSDT" || tick.Price != 65000.5 || tick.Timestamp != 1700000000000 {
		t.Errorf("unexpected tick %+v", tick)
	}

	// Malformed input must not have killed the connection.
	if client.State() != StateConnected {
		t.Errorf("client state = %v after malformed frames", client.State())
	}
}

func TestUnsubscribeSendsCommand(t *testing.T) {
	fe := newFakeExchange(t)
	client := newTestClient(t, fe.url())
	client.Subscribe("BTCUSDT")
	client.Start()

	<-fe.connected
	<-fe.received

	client.Unsubscribe("BTCUSDT")

	select {
	case cmd := <-fe.received:
		if cmd.Method != "UNSUBSCRIBE" || len(cmd.Params) != 1 || cmd.Params[0] != "btcusdt@trade" {
			t.Fatalf("unexpected command %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("unsubscribe command never sent")
	}

	// Unsubscribing again is a no-op.
	client.Unsubscribe("BTCUSDT")
	select {
	case cmd := <-fe.received:
		t.Fatalf("duplicate unsubscribe sent: %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectCounterCountsAttemptsOnly(t *testing.T) {
	fe := newFakeExchange(t)
	client := newTestClient(t, fe.url())

	before := testutil.ToFloat64(metrics.FeedReconnects)

	client.Start()
	conn := <-fe.connected
	waitFor(t, time.Second, func() bool { return client.State() == StateConnected }, "client never connected")

	// The initial connect is not a reconnection attempt.
	if got := testutil.ToFloat64(metrics.FeedReconnects); got != before {
		t.Errorf("first connect bumped reconnect counter: %v -> %v", before, got)
	}

	conn.Close()
	select {
	case <-fe.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}

	if got := testutil.ToFloat64(metrics.FeedReconnects); got < before+1 {
		t.Errorf("reconnect attempt not counted: %v -> %v", before, got)
	}
}

func TestParseTrade(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    models.Tick
		ok      bool
	}{
		{
			name:    "trade event",
			payload: `{"e":"trade","s":"btcusdt","p":"65000.5","T":1700000000000}`,
			want:    models.Tick{Symbol: "BTCUSDT", Price: 65000.5, Timestamp: 1700000000000},
			ok:      true,
		},
		{
			name:    "aggTrade event",
			payload: `{"e":"aggTrade","s":"ETHUSDT","p":"3500","T":42}`,
			want:    models.Tick{Symbol: "ETHUSDT", Price: 3500, Timestamp: 42},
			ok:      true,
		},
		{
			name:    "event-time fallback",
			payload: `{"e":"trade","s":"ETHUSDT","p":"3500","E":99}`,
			want:    models.Tick{Symbol: "ETHUSDT", Price: 3500, Timestamp: 99},
			ok:      true,
		},
		{name: "unknown event type", payload: `{"e":"kline","s":"BTCUSDT","p":"1"}`},
		{name: "missing symbol", payload: `{"e":"trade","p":"1","T":1}`},
		{name: "unparseable price", payload: `{"e":"trade","s":"BTCUSDT","p":"x","T":1}`},
		{name: "zero price", payload: `{"e":"trade","s":"BTCUSDT","p":"0","T":1}`},
		{name: "negative price", payload: `{"e":"trade","s":"BTCUSDT","p":"-1","T":1}`},
		{name: "not json", payload: `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok := parseTrade([]byte(tt.payload))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && tick != tt.want {
				t.Errorf("tick = %+v, want %+v", tick, tt.want)
			}
		})
	}
}
