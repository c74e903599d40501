package stream

import (
	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

// router maps incoming (socket, channel id) frames to their registered
// handler. The subscribe acknowledgement is the single source of truth for
// bindings; frames with no binding are dropped, which is a normal race
// during the subscribe/ack window.
type router struct {
	reg *registry
	log logging.Logger
}

func newRouter(reg *registry, log logging.Logger) *router {
	return &router{reg: reg, log: log}
}

// bindAck binds (socket, chanId) to the subscription the acknowledgement
// names and marks it active.
func (rt *router) bindAck(s *socket, ev *wire.Event) {
	key, ok := keyFromAck(ev)
	if !ok {
		rt.log.Debug("unmatchable subscribe ack",
			logging.String("channel", ev.Channel),
			logging.Int64("chanId", ev.ChanID))
		return
	}

	if !rt.reg.bind(key, s.id, ev.ChanID) {
		rt.log.Debug("ack for unknown subscription",
			logging.String("key", key.String()),
			logging.String("socket", s.id))
		return
	}

	rt.log.Info("subscription active",
		logging.String("key", key.String()),
		logging.Int64("chanId", ev.ChanID),
		logging.String("socket", s.id))
}

// dispatch routes a data frame to the handler bound on this socket.
func (rt *router) dispatch(s *socket, frame *wire.DataFrame) {
	h := rt.reg.lookup(s.id, frame.ChanID)
	if h == nil {
		rt.log.Debug("dropping frame for unbound channel",
			logging.String("socket", s.id),
			logging.Int64("chanId", frame.ChanID))
		return
	}
	h(frame.Fields)
}
