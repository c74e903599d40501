package stream

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

type fakeSigner struct{}

func (fakeSigner) Sign() (wire.AuthRequest, error) {
	return wire.AuthRequest{
		APIKey:      "test-key",
		AuthNonce:   "1693526400000",
		AuthPayload: "AUTH1693526400000",
		AuthSig:     "deadbeef",
	}, nil
}

type emptyResolver struct{}

func (emptyResolver) Resolve(logical string) string { return "" }
func (emptyResolver) IsListed(sym string) bool      { return false }

// waitActive polls until the client has processed the subscribe ack for
// the key.
func waitActive(t *testing.T, c *Client, key SubKey) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.reg.mu.Lock()
		sub, ok := c.reg.subs[key]
		active := ok && sub.state == stateActive
		c.reg.mu.Unlock()
		if active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscription %s never became active", key)
}

// quietConfig keeps every periodic loop out of the way so tests exercise
// one behavior at a time.
func quietConfig(url string) Config {
	return Config{
		URL:                url,
		PingInterval:       time.Hour,
		WatchdogInterval:   time.Hour,
		HeartbeatTimeout:   time.Hour,
		ReconcileInterval:  time.Hour,
		AuthTimeout:        2 * time.Second,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
		ResubscribeStagger: time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	c := New(cfg, opts...)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestSubscribeTickerEndToEnd(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()))

	ticks := make(chan wire.Ticker, 1)
	require.NoError(t, c.SubscribeTicker("BTCUSD", func(tk wire.Ticker) {
		ticks <- tk
	}))

	key := TickerKey("tBTCUSD")
	m.waitSubscribed(t, key, 2*time.Second)
	require.True(t, m.Push(key, `[7000,5,7001,3,100,0.015,7000.5,1234,7100,6900]`))

	select {
	case tk := <-ticks:
		assert.Equal(t, "tBTCUSD", tk.Symbol)
		assert.Equal(t, 7000.0, tk.Bid)
		assert.Equal(t, 7001.0, tk.Ask)
		assert.Equal(t, 7000.5, tk.LastPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ticker")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()))

	key := TickerKey("tBTCUSD")
	require.NoError(t, c.SubscribeTicker("BTCUSD", func(wire.Ticker) {}))
	m.waitSubscribed(t, key, 2*time.Second)

	// Subscribing again while active must not emit a second frame.
	require.NoError(t, c.SubscribeTicker("BTCUSD", func(wire.Ticker) {}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.SubscribeCount(key))
}

func TestSubscribeCandlesAndBook(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()))

	candleFrames := make(chan int, 1)
	require.NoError(t, c.SubscribeCandles("BTCUSD", "1m", func(fields []json.RawMessage) {
		candleFrames <- len(fields)
	}))
	candleKey := CandlesKey("tBTCUSD", "1m")
	m.waitSubscribed(t, candleKey, 2*time.Second)
	require.True(t, m.Push(candleKey, `[[1693526400000,7000,7001,7002,6999,12]]`))

	select {
	case n := <-candleFrames:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for candle frame")
	}

	bookFrames := make(chan struct{}, 1)
	require.NoError(t, c.SubscribeBook("BTCUSD", "P0", "F0", "25", func(fields []json.RawMessage) {
		bookFrames <- struct{}{}
	}))
	bookKey := BookKey("tBTCUSD", "P0", "F0", "25")
	m.waitSubscribed(t, bookKey, 2*time.Second)
	require.True(t, m.Push(bookKey, `[[7000,2,1.5]]`))

	select {
	case <-bookFrames:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for book frame")
	}
}

func TestSubscribeSymbolNotListed(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()), WithResolver(emptyResolver{}))

	err := c.SubscribeTicker("FAKEUSD", func(wire.Ticker) {})
	assert.ErrorIs(t, err, ErrSymbolNotListed)
	assert.Zero(t, c.PoolStatus().TotalSubscriptions)
}

func TestUnsubscribe(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()))

	key := TickerKey("tBTCUSD")
	require.NoError(t, c.SubscribeTicker("BTCUSD", func(wire.Ticker) {}))
	m.waitSubscribed(t, key, 2*time.Second)
	waitActive(t, c, key)

	require.NoError(t, c.Unsubscribe(key))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.UnsubscribedIDs()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, m.UnsubscribedIDs(), 1)
	assert.Zero(t, c.PoolStatus().TotalSubscriptions)

	// Unsubscribing a key that is not subscribed is a no-op.
	require.NoError(t, c.Unsubscribe(TickerKey("tETHUSD")))
}

func TestAuthenticatedConnect(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()), WithSigner(fakeSigner{}))

	assert.True(t, c.PoolStatus().Authenticated)
}

func TestAuthFailureDegradesToPublic(t *testing.T) {
	m := newMockExchange(t)
	m.SetAuthStatus("FAILED")

	c := newTestClient(t, quietConfig(m.URL()), WithSigner(fakeSigner{}))
	assert.False(t, c.PoolStatus().Authenticated)

	// Public data still flows on the unauthenticated socket.
	ticks := make(chan wire.Ticker, 1)
	require.NoError(t, c.SubscribeTicker("BTCUSD", func(tk wire.Ticker) { ticks <- tk }))
	key := TickerKey("tBTCUSD")
	m.waitSubscribed(t, key, 2*time.Second)
	require.True(t, m.Push(key, `[7000,5,7001,3,100,0.015,7000.5,1234,7100,6900]`))

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ticker after auth failure")
	}

	// Private operations report the auth failure instead of blocking.
	res := c.UpdateOrder(context.Background(), OrderUpdateRequest{OrderID: 1})
	assert.ErrorIs(t, res.Err, ErrAuthRequired)
}

func TestAuthTimeoutDegradesToPublic(t *testing.T) {
	m := newMockExchange(t)
	m.SetAuthStatus("")

	cfg := quietConfig(m.URL())
	cfg.AuthTimeout = 100 * time.Millisecond
	c := newTestClient(t, cfg, WithSigner(fakeSigner{}))

	assert.False(t, c.PoolStatus().Authenticated)

	// Public subscriptions made after the timed-out handshake still work.
	require.NoError(t, c.SubscribeTicker("BTCUSD", func(wire.Ticker) {}))
	m.waitSubscribed(t, TickerKey("tBTCUSD"), 2*time.Second)
}

func TestAccountEventsReachSnapshots(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()), WithSigner(fakeSigner{}))

	m.PushAccount(wire.CodeWalletUpdate, `["exchange","USD",1000,0,999.5]`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Account().Wallet("exchange", "USD"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, ok := c.Account().Wallet("exchange", "USD")
	require.True(t, ok)
	assert.Equal(t, 1000.0, w.Balance)
}

func TestRequestCalcDedup(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()), WithSigner(fakeSigner{}))

	sent, err := c.RequestCalc(context.Background(), "margin", "margin_base", nil)
	require.NoError(t, err)
	assert.True(t, sent)

	// Identical request inside the TTL is suppressed.
	sent, err = c.RequestCalc(context.Background(), "margin", "margin_base", nil)
	require.NoError(t, err)
	assert.False(t, sent)

	frames := waitCommandFrames(t, m, 1)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `[0,"calc",null,[["margin_base"]]]`, string(frames[0]))
}

func TestRequestCalcSatisfiedSkips(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()), WithSigner(fakeSigner{}))

	sent, err := c.RequestCalc(context.Background(), "margin", "margin_base",
		func(a *AccountState) bool { return true })
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, m.CommandFrames())
}

func TestRequestCalcRequiresAuth(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()))

	_, err := c.RequestCalc(context.Background(), "margin", "margin_base", nil)
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.SubscribeTicker("BTCUSD", func(wire.Ticker) {}), ErrClosed)
	assert.ErrorIs(t, c.Unsubscribe(TickerKey("tBTCUSD")), ErrClosed)
	_, err := c.RequestCalc(context.Background(), "margin", "margin_base", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolStatusReportsPrimary(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, quietConfig(m.URL()), WithSigner(fakeSigner{}))

	require.NoError(t, c.SubscribeTicker("BTCUSD", func(wire.Ticker) {}))
	m.waitSubscribed(t, TickerKey("tBTCUSD"), 2*time.Second)

	st := c.PoolStatus()
	assert.True(t, st.Authenticated)
	assert.Equal(t, 1, st.TotalSubscriptions)
	require.NotEmpty(t, st.Sockets)
	assert.True(t, st.Sockets[0].Primary)
	assert.Equal(t, "open", st.Sockets[0].State)
	assert.Less(t, st.PrimaryInboundAge, time.Minute)
}

func waitCommandFrames(t *testing.T, m *mockExchange, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := m.CommandFrames()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d command frames, got %d", n, len(m.CommandFrames()))
	return nil
}
