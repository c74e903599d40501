package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/bfxstream/pkg/logging"
)

// newTestPool builds a pool whose load counts are driven by the test
// instead of the registry.
func newTestPool(maxPerSocket, maxSockets int) (*pool, map[string]int) {
	counts := make(map[string]int)
	p := newPool(maxPerSocket, maxSockets, logging.NewNopLogger())
	p.counts = func() map[string]int {
		out := make(map[string]int, len(counts))
		for k, v := range counts {
			out[k] = v
		}
		return out
	}
	p.openSocket = func() (*socket, error) { return newSocket(nil, false), nil }
	p.fallback = func() *socket { return nil }
	return p, counts
}

func TestPoolLeastLoadedSelection(t *testing.T) {
	p, counts := newTestPool(2, 2)
	opened := 0
	inner := p.openSocket
	p.openSocket = func() (*socket, error) {
		opened++
		return inner()
	}

	perSocket := make(map[string]int)
	for i := 0; i < 5; i++ {
		s := p.acquire()
		require.NotNil(t, s)
		counts[s.id]++
		perSocket[s.id]++
	}

	// Two sockets open at the ceiling of two each; the fifth subscription
	// lands on an existing socket instead of failing.
	assert.Equal(t, 2, opened)
	assert.Len(t, perSocket, 2)
	total := 0
	for _, n := range perSocket {
		total += n
	}
	assert.Equal(t, 5, total)
}

func TestPoolReusesUnderCeiling(t *testing.T) {
	p, counts := newTestPool(25, 3)

	first := p.acquire()
	require.NotNil(t, first)
	counts[first.id]++

	second := p.acquire()
	require.NotNil(t, second)
	assert.Equal(t, first.id, second.id)
}

func TestPoolFallbackWhenOpenFails(t *testing.T) {
	p, _ := newTestPool(2, 2)
	p.openSocket = func() (*socket, error) { return nil, errors.New("dial refused") }
	primary := newSocket(nil, true)
	p.fallback = func() *socket { return primary }

	s := p.acquire()
	require.NotNil(t, s)
	assert.Equal(t, primary.id, s.id)
}

func TestPoolDegradesOverCeilingWhenOpenFails(t *testing.T) {
	p, counts := newTestPool(1, 2)

	first := p.acquire()
	require.NotNil(t, first)
	counts[first.id] = 1

	// At the per-socket ceiling and the dial fails; the existing socket
	// absorbs the overflow.
	p.openSocket = func() (*socket, error) { return nil, errors.New("dial refused") }
	s := p.acquire()
	require.NotNil(t, s)
	assert.Equal(t, first.id, s.id)
}

func TestPoolPrunesClosedSockets(t *testing.T) {
	p, counts := newTestPool(25, 3)

	first := p.acquire()
	require.NotNil(t, first)
	counts[first.id]++

	first.state.Store(int32(socketClosed))

	second := p.acquire()
	require.NotNil(t, second)
	assert.NotEqual(t, first.id, second.id)
	assert.Len(t, p.snapshot(), 1)
}

func TestPoolRemoveAndReset(t *testing.T) {
	p, _ := newTestPool(25, 3)

	s := p.acquire()
	require.NotNil(t, s)
	assert.Equal(t, s, p.find(s.id))

	p.remove(s)
	assert.Nil(t, p.find(s.id))

	s2 := p.acquire()
	require.NotNil(t, s2)
	closed := p.reset()
	assert.Len(t, closed, 1)
	assert.Empty(t, p.snapshot())
}
