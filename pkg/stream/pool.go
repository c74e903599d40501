package stream

import (
	"sync"

	"github.com/tradeforge/bfxstream/pkg/logging"
)

// pool owns the public market-data sockets and assigns new subscriptions to
// the least-loaded one. New sockets open when the best candidate is at the
// per-socket ceiling and the pool is under its own ceiling; otherwise the
// best candidate absorbs the overflow rather than failing the subscribe.
type pool struct {
	mu      sync.Mutex
	sockets []*socket

	maxPerSocket int
	maxSockets   int

	// openSocket dials a pool socket and starts its receive loop.
	openSocket func() (*socket, error)
	// counts reports in-flight/active subscriptions per socket id.
	counts func() map[string]int
	// fallback returns the primary socket when the pool cannot serve.
	fallback func() *socket

	log logging.Logger
}

func newPool(maxPerSocket, maxSockets int, log logging.Logger) *pool {
	return &pool{
		maxPerSocket: maxPerSocket,
		maxSockets:   maxSockets,
		log:          log,
	}
}

// acquire picks the socket a new subscription should be sent on. It never
// fails: when opening a socket fails the least-loaded existing socket (or
// the primary) is returned and the condition logged.
func (p *pool) acquire() *socket {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()

	counts := p.counts()
	var best *socket
	bestCount := -1
	for _, s := range p.sockets {
		if !s.open() {
			continue
		}
		n := counts[s.id]
		if best == nil || n < bestCount {
			best, bestCount = s, n
		}
	}

	if best != nil && bestCount < p.maxPerSocket {
		return best
	}

	if len(p.sockets) < p.maxSockets {
		s, err := p.openSocket()
		if err != nil {
			p.log.Warn("failed to open pool socket", logging.Error(err))
		} else {
			p.sockets = append(p.sockets, s)
			return s
		}
	}

	if best != nil {
		// Over the ceiling but serviceable. Degrade instead of failing.
		return best
	}
	return p.fallback()
}

// remove drops a dead socket from the pool bookkeeping.
func (p *pool) remove(dead *socket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.sockets {
		if s.id == dead.id {
			p.sockets = append(p.sockets[:i], p.sockets[i+1:]...)
			return
		}
	}
}

// find resolves a pool socket by identity.
func (p *pool) find(sockID string) *socket {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sockets {
		if s.id == sockID {
			return s
		}
	}
	return nil
}

// reset empties the pool and returns the sockets for closing.
func (p *pool) reset() []*socket {
	p.mu.Lock()
	defer p.mu.Unlock()

	sockets := p.sockets
	p.sockets = nil
	return sockets
}

// snapshot copies the current socket list for observability.
func (p *pool) snapshot() []*socket {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*socket, len(p.sockets))
	copy(out, p.sockets)
	return out
}

func (p *pool) pruneLocked() {
	alive := p.sockets[:0]
	for _, s := range p.sockets {
		if s.currentState() != socketClosed {
			alive = append(alive, s)
		}
	}
	p.sockets = alive
}
