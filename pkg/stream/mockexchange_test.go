package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tradeforge/bfxstream/pkg/wire"
)

// mockExchange speaks just enough of the exchange protocol for tests:
// subscribe acks with per-connection channel ids, auth handshakes with a
// scriptable outcome, and recording of every frame the client sends.
//
// Channel ids start at the same value on every connection, so tests can
// create the id collisions the routing layer must disambiguate.
type mockExchange struct {
	server *httptest.Server
	url    string

	mu         sync.Mutex
	conns      map[*mockConn]bool
	authStatus string
	subFrames  []wire.SubscribeRequest
	cmdFrames  [][]byte
	unsubIDs   []int64
	dmsFrames  []wire.DMSRequest
}

type mockConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	nextChan int64
	subs     map[string]int64
	authed   bool
}

func newMockExchange(t *testing.T) *mockExchange {
	t.Helper()
	m := &mockExchange{
		conns:      make(map[*mockConn]bool),
		authStatus: "OK",
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleConnection))
	m.url = "ws" + strings.TrimPrefix(m.server.URL, "http")
	t.Cleanup(m.close)
	return m
}

func (m *mockExchange) URL() string { return m.url }

func (m *mockExchange) close() {
	m.DropAll()
	m.server.Close()
}

func (m *mockExchange) SetAuthStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authStatus = status
}

func (m *mockExchange) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// DropAll severs every live connection, as a network partition would.
func (m *mockExchange) DropAll() {
	m.mu.Lock()
	conns := make([]*mockConn, 0, len(m.conns))
	for mc := range m.conns {
		conns = append(conns, mc)
	}
	m.mu.Unlock()
	for _, mc := range conns {
		mc.conn.Close()
	}
}

// SubscribeCount reports how many subscribe frames arrived for the key
// across all connections, past and present.
func (m *mockExchange) SubscribeCount(key SubKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.subFrames {
		if keyForRequest(req) == key {
			n++
		}
	}
	return n
}

func (m *mockExchange) UnsubscribedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.unsubIDs))
	copy(out, m.unsubIDs)
	return out
}

// DMSFrames returns every dead-man-switch request the client sent.
func (m *mockExchange) DMSFrames() []wire.DMSRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.DMSRequest, len(m.dmsFrames))
	copy(out, m.dmsFrames)
	return out
}

// CommandFrames returns every channel-zero array frame the client sent.
func (m *mockExchange) CommandFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.cmdFrames))
	copy(out, m.cmdFrames)
	return out
}

// Push writes a data frame on whichever connection holds the key's
// channel. Payload is raw JSON for the frame elements after the id.
func (m *mockExchange) Push(key SubKey, payload string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mc := range m.conns {
		if chanID, ok := mc.subs[key.String()]; ok {
			mc.write([]byte(fmt.Sprintf("[%d,%s]", chanID, payload)))
			return true
		}
	}
	return false
}

// PushAccount emits a channel-zero event on every authenticated
// connection.
func (m *mockExchange) PushAccount(code, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mc := range m.conns {
		if mc.authed {
			mc.write([]byte(fmt.Sprintf("[0,%q,%s]", code, payload)))
		}
	}
}

// PushInfo broadcasts an info event, e.g. the reconnect-request code.
func (m *mockExchange) PushInfo(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mc := range m.conns {
		mc.write([]byte(fmt.Sprintf(`{"event":"info","code":%d}`, code)))
	}
}

// waitSubscribed polls until the key has an acked channel somewhere.
func (m *mockExchange) waitSubscribed(t *testing.T, key SubKey, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		for mc := range m.conns {
			if _, ok := mc.subs[key.String()]; ok {
				m.mu.Unlock()
				return
			}
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscription acked for %s within %v", key, timeout)
}

func (m *mockExchange) handleConnection(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	mc := &mockConn{
		conn:     conn,
		nextChan: 1000,
		subs:     make(map[string]int64),
	}
	m.mu.Lock()
	m.conns[mc] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, mc)
		m.mu.Unlock()
		conn.Close()
	}()

	mc.write([]byte(`{"event":"info","version":2}`))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleFrame(mc, msg)
	}
}

func (m *mockExchange) handleFrame(mc *mockConn, msg []byte) {
	if string(msg) == "ping" {
		mc.write([]byte("pong"))
		return
	}
	if len(msg) > 0 && msg[0] == '[' {
		m.mu.Lock()
		m.cmdFrames = append(m.cmdFrames, msg)
		m.mu.Unlock()
		return
	}

	var ev struct {
		Event     string `json:"event"`
		Channel   string `json:"channel"`
		Symbol    string `json:"symbol"`
		Key       string `json:"key"`
		Precision string `json:"prec"`
		Frequency string `json:"freq"`
		Length    string `json:"len"`
		ChanID    int64  `json:"chanId"`
		Status    int    `json:"status"`
		Timeout   int    `json:"timeout"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return
	}

	switch ev.Event {
	case wire.EventSubscribe:
		req := wire.SubscribeRequest{
			Channel:   ev.Channel,
			Symbol:    ev.Symbol,
			Key:       ev.Key,
			Precision: ev.Precision,
			Frequency: ev.Frequency,
			Length:    ev.Length,
		}
		chanID := mc.nextChan
		mc.nextChan++

		m.mu.Lock()
		m.subFrames = append(m.subFrames, req)
		mc.subs[keyForRequest(req).String()] = chanID
		m.mu.Unlock()

		ack := wire.Event{
			Event:     wire.EventSubscribed,
			Channel:   ev.Channel,
			ChanID:    chanID,
			Symbol:    ev.Symbol,
			Key:       ev.Key,
			Precision: ev.Precision,
			Frequency: ev.Frequency,
			Length:    ev.Length,
		}
		data, _ := json.Marshal(ack)
		mc.write(data)

	case wire.EventUnsubscribe:
		m.mu.Lock()
		m.unsubIDs = append(m.unsubIDs, ev.ChanID)
		m.mu.Unlock()
		mc.write([]byte(fmt.Sprintf(`{"event":"unsubscribed","status":"OK","chanId":%d}`, ev.ChanID)))

	case wire.EventAuth:
		m.mu.Lock()
		status := m.authStatus
		mc.authed = status == "OK"
		m.mu.Unlock()
		if status == "" {
			// Scripted silence: let the client's handshake time out.
			return
		}
		if status == "OK" {
			mc.write([]byte(`{"event":"auth","status":"OK","chanId":0}`))
		} else {
			mc.write([]byte(`{"event":"auth","status":"FAILED","chanId":0,"code":10100,"msg":"apikey: invalid"}`))
		}

	case wire.EventDMS:
		m.mu.Lock()
		m.dmsFrames = append(m.dmsFrames, wire.DMSRequest{
			Event:   ev.Event,
			Status:  ev.Status,
			Timeout: ev.Timeout,
		})
		m.mu.Unlock()

	case wire.EventConf:
		mc.write([]byte(`{"event":"conf","status":"OK"}`))
	}
}

func (mc *mockConn) write(data []byte) {
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	_ = mc.conn.WriteMessage(websocket.TextMessage, data)
}

// keyForRequest inverts the subscribe envelope back into the key form the
// client addresses subscriptions by.
func keyForRequest(req wire.SubscribeRequest) SubKey {
	switch req.Channel {
	case wire.ChannelCandles:
		parts := strings.SplitN(req.Key, ":", 3)
		if len(parts) != 3 {
			return SubKey{Channel: req.Channel}
		}
		return CandlesKey(parts[2], parts[1])
	case wire.ChannelBook:
		return BookKey(req.Symbol, req.Precision, req.Frequency, req.Length)
	default:
		return SubKey{Channel: req.Channel, Symbol: req.Symbol}
	}
}
