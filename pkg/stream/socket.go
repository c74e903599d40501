package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

type socketState int32

const (
	socketConnecting socketState = iota
	socketOpen
	socketClosing
	socketClosed
)

func (s socketState) String() string {
	switch s {
	case socketConnecting:
		return "connecting"
	case socketOpen:
		return "open"
	case socketClosing:
		return "closing"
	case socketClosed:
		return "closed"
	}
	return "unknown"
}

// socket is one transport connection. Channel ids assigned on this socket
// mean nothing on any other.
type socket struct {
	id      string
	primary bool
	conn    *websocket.Conn

	writeMu sync.Mutex

	state       atomic.Int32
	lastInbound atomic.Int64 // unix nanos; only read for the primary socket

	done      chan struct{}
	closeOnce sync.Once
	loopOnce  sync.Once
}

func newSocket(conn *websocket.Conn, primary bool) *socket {
	s := &socket{
		id:      uuid.NewString(),
		primary: primary,
		conn:    conn,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(socketOpen))
	s.markInbound()
	return s
}

func (s *socket) currentState() socketState {
	return socketState(s.state.Load())
}

func (s *socket) open() bool {
	return s.currentState() == socketOpen
}

func (s *socket) markInbound() {
	s.lastInbound.Store(time.Now().UnixNano())
}

func (s *socket) lastInboundTime() time.Time {
	return time.Unix(0, s.lastInbound.Load())
}

func (s *socket) sendRaw(data []byte) error {
	if !s.open() {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) sendJSON(v interface{}) error {
	data, err := wire.Encode(v)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(socketClosing))
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.state.Store(int32(socketClosed))
		close(s.done)
	})
}

func (c *Client) dial(ctx context.Context, primary bool) (*socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return newSocket(conn, primary), nil
}

func (c *Client) startSocket(s *socket) {
	s.loopOnce.Do(func() {
		go c.readLoop(s)
	})
}

// readLoop processes frames in arrival order. Exit triggers reconnect for
// the primary socket and pool cleanup for the rest.
func (c *Client) readLoop(s *socket) {
	defer func() {
		s.close()
		if c.closed.Load() {
			return
		}
		if s.primary {
			c.sup.triggerReconnect("primary socket closed")
			return
		}
		demoted := c.reg.dropSocket(s.id)
		c.pool.remove(s)
		if len(demoted) > 0 {
			c.log.Warn("pool socket lost, subscriptions returned to desired state",
				logging.String("socket", s.id),
				logging.Int("subscriptions", len(demoted)))
		}
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.currentState() == socketOpen &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("socket read error",
					logging.String("socket", s.id),
					logging.Bool("primary", s.primary),
					logging.Error(err))
			}
			return
		}
		if s.primary {
			s.markInbound()
		}
		c.handleMessage(s, raw)
	}
}

// handleMessage decodes and routes one inbound message. Malformed frames
// are dropped, not fatal.
func (c *Client) handleMessage(s *socket, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		c.log.Warn("dropping malformed frame",
			logging.String("socket", s.id),
			logging.Error(err))
		return
	}

	switch m := msg.(type) {
	case *wire.Event:
		c.handleEvent(s, m)
	case *wire.DataFrame:
		if m.Heartbeat {
			return
		}
		if m.ChanID == 0 {
			c.account.dispatch(m.EventCode, m.Fields)
			return
		}
		c.router.dispatch(s, m)
	case nil:
		// Out-of-band keepalive text.
	}
}

func (c *Client) handleEvent(s *socket, ev *wire.Event) {
	switch ev.Event {
	case wire.EventSubscribed:
		c.router.bindAck(s, ev)
	case wire.EventUnsubscribed:
		c.log.Debug("channel released",
			logging.String("socket", s.id),
			logging.Int64("chanId", ev.ChanID))
	case wire.EventAuth:
		c.finishAuth(ev)
	case wire.EventInfo:
		c.handleInfoEvent(ev)
	case wire.EventError:
		c.handleErrorEvent(ev)
	case wire.EventConf:
		c.log.Debug("conf acknowledged", logging.String("status", ev.Status))
	default:
		c.log.Debug("unrecognized event", logging.String("event", ev.Event))
	}
}

func (c *Client) handleInfoEvent(ev *wire.Event) {
	switch ev.Code {
	case wire.InfoCodeReconnect:
		c.log.Warn("exchange requested reconnect")
		c.sup.triggerReconnect("server restart notice")
	case wire.InfoCodeMaintenance:
		c.log.Warn("exchange entering maintenance")
	default:
		c.log.Info("exchange info",
			logging.Int("code", ev.Code),
			logging.Int("version", ev.Version))
	}
}

// codeAlreadySubscribed is the informational duplicate-subscribe notice.
const codeAlreadySubscribed = 10301

func (c *Client) handleErrorEvent(ev *wire.Event) {
	if ev.Code == codeAlreadySubscribed {
		c.log.Info("duplicate subscribe notice",
			logging.String("symbol", ev.Symbol),
			logging.String("msg", ev.Msg))
		return
	}

	key, ok := keyFromAck(ev)
	if !ok {
		c.log.Warn("exchange error",
			logging.Int("code", ev.Code),
			logging.String("msg", ev.Msg))
		return
	}

	// Subscription rejected: drop it so replay does not retry a pair the
	// exchange will never accept.
	c.reg.remove(key)
	c.log.Warn("subscription rejected",
		logging.String("key", key.String()),
		logging.Int("code", ev.Code),
		logging.String("msg", ev.Msg))
}
