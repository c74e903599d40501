// Package stream implements the realtime exchange connection layer: a
// multiplexed WebSocket client with connection pooling, subscription
// routing by per-socket channel id, an authenticated account channel, and
// a self-healing reconnect supervisor.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/ratelimit"
	"github.com/tradeforge/bfxstream/pkg/symbols"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

// Signer is the external credential collaborator producing the signed auth
// handshake. The Event field of the returned request is filled in by the
// client.
type Signer interface {
	Sign() (wire.AuthRequest, error)
}

// TickerHandler receives reshaped ticker updates.
type TickerHandler func(wire.Ticker)

// RawHandler receives the raw frame elements for trades, candle, and book
// channels.
type RawHandler func(fields []json.RawMessage)

type authState int

const (
	authNone authState = iota
	authPending
	authOK
)

// Client is the exchange-facing realtime client. Construct with New, wire
// collaborators through options, and share the instance by reference; there
// is no process-wide state.
type Client struct {
	cfg     Config
	log     logging.Logger
	signer  Signer
	norm    *symbols.Normalizer
	limiter ratelimit.RateLimiter

	reg     *registry
	router  *router
	pool    *pool
	account *AccountState
	calc    *calcCache
	sup     *supervisor

	mu      sync.Mutex
	primary *socket

	closed atomic.Bool

	authMu   sync.Mutex
	auth     authState
	authDone chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger replaces the default logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSigner installs the credential signer enabling the private channel.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithResolver installs the live symbol directory used to validate pairs
// before subscribing.
func WithResolver(r symbols.Resolver) Option {
	return func(c *Client) { c.norm = symbols.NewNormalizer(r) }
}

// WithRateLimiter replaces the outbound frame pacer.
func WithRateLimiter(rl ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// New creates a client for the configured endpoint. Call Connect before
// subscribing.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:  cfg,
		log:  logging.NewLogger(),
		norm: symbols.NewNormalizer(nil),
		reg:  newRegistry(),
		calc: newCalcCache(cfg.CalcTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewTokenBucketLimiter(cfg.OutboundRate)
	}

	c.router = newRouter(c.reg, c.log)
	c.account = newAccountState(c.log)
	c.sup = newSupervisor(c)

	c.pool = newPool(cfg.MaxSubsPerSocket, cfg.MaxSockets, c.log)
	c.pool.counts = c.reg.countBySocket
	c.pool.fallback = c.primarySocket
	c.pool.openSocket = func() (*socket, error) {
		s, err := c.dial(context.Background(), false)
		if err != nil {
			return nil, err
		}
		c.startSocket(s)
		c.log.Info("pool socket connected", logging.String("socket", s.id))
		return s, nil
	}

	return c
}

// Connect establishes the primary socket, authenticates when a signer is
// configured, and starts the liveness supervisor.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.cfg.URL == "" {
		return errors.New("stream: config URL required")
	}
	if err := c.connectPrimary(ctx); err != nil {
		return err
	}
	c.sup.start()
	return nil
}

// Close tears everything down. Subsequent calls are no-ops.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.sup.halt()

	c.mu.Lock()
	p := c.primary
	c.primary = nil
	c.mu.Unlock()
	if p != nil {
		p.close()
	}
	for _, s := range c.pool.reset() {
		s.close()
	}
	c.reg.resetBindings()
	c.resetAuth()
	c.log.Info("stream client closed")
	return nil
}

func (c *Client) primarySocket() *socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// connectPrimary dials the authenticated socket and replaces the previous
// one. Auth failure degrades to public-only use instead of failing the
// connect.
func (c *Client) connectPrimary(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	s, err := c.dial(ctx, true)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.primary
	c.primary = s
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	c.startSocket(s)
	c.log.Info("primary socket connected", logging.String("socket", s.id))

	if c.cfg.ConfFlags != 0 {
		if err := s.sendJSON(wire.ConfRequest{Event: wire.EventConf, Flags: c.cfg.ConfFlags}); err != nil {
			c.log.Warn("failed to send conf flags", logging.Error(err))
		}
	}

	if c.signer != nil && !c.EnsureAuthenticated(ctx) {
		c.log.Warn("authentication unavailable, continuing with public channels only")
	}
	return nil
}

// SubscribeTicker streams reshaped ticker updates for the symbol.
func (c *Client) SubscribeTicker(symbol string, handler TickerHandler) error {
	wireSym, err := c.wireSymbol(symbol)
	if err != nil {
		return err
	}
	h := func(fields []json.RawMessage) {
		if len(fields) == 0 {
			return
		}
		t, perr := wire.ParseTicker(wireSym, fields[0])
		if perr != nil {
			c.log.Debug("dropping malformed ticker",
				logging.String("symbol", wireSym),
				logging.Error(perr))
			return
		}
		handler(t)
	}
	return c.subscribe(TickerKey(wireSym), h)
}

// SubscribeTrades streams raw trade frames for the symbol.
func (c *Client) SubscribeTrades(symbol string, handler RawHandler) error {
	wireSym, err := c.wireSymbol(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(TradesKey(wireSym), frameHandler(handler))
}

// SubscribeCandles streams raw candle frames at the given timeframe.
func (c *Client) SubscribeCandles(symbol, timeframe string, handler RawHandler) error {
	wireSym, err := c.wireSymbol(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(CandlesKey(wireSym, timeframe), frameHandler(handler))
}

// SubscribeBook streams raw order-book frames at the given precision,
// frequency, and depth.
func (c *Client) SubscribeBook(symbol, precision, frequency, depth string, handler RawHandler) error {
	wireSym, err := c.wireSymbol(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(BookKey(wireSym, precision, frequency, depth), frameHandler(handler))
}

// Unsubscribe drops the key from the desired set and, when a channel is
// bound, releases it on the exchange.
func (c *Client) Unsubscribe(key SubKey) error {
	if c.closed.Load() {
		return ErrClosed
	}
	sockID, chanID, wasActive := c.reg.remove(key)
	if !wasActive {
		return nil
	}
	s := c.socketByID(sockID)
	if s == nil || !s.open() {
		return nil
	}
	return s.sendJSON(wire.UnsubscribeRequest{Event: wire.EventUnsubscribe, ChanID: chanID})
}

// RegisterPrivateHandler installs a handler for a channel-zero event code
// outside the built-in set.
func (c *Client) RegisterPrivateHandler(code string, h PrivateHandler) {
	c.account.registerHandler(code, h)
}

// Account exposes the last-known private snapshots.
func (c *Client) Account() *AccountState {
	return c.account
}

// Send writes a raw frame on the primary socket. Low-level escape hatch.
func (c *Client) Send(raw []byte) error {
	p := c.primarySocket()
	if p == nil || !p.open() {
		return ErrNotConnected
	}
	return p.sendRaw(raw)
}

func (c *Client) wireSymbol(symbol string) (string, error) {
	wireSym, err := c.norm.WireSymbol(symbol)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSymbolNotListed, symbol)
	}
	return wireSym, nil
}

// subscribe records desire and sends the subscribe frame. Transport
// failures are not surfaced; the desired state replays on reconnect.
func (c *Client) subscribe(key SubKey, h frameHandler) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.reg.upsert(key, h) {
		// Already pending or active; the handler was refreshed.
		return nil
	}
	if err := c.sendSubscribe(key); err != nil {
		c.log.Warn("subscribe deferred",
			logging.String("key", key.String()),
			logging.Error(err))
	}
	return nil
}

func (c *Client) sendSubscribe(key SubKey) error {
	s := c.pool.acquire()
	if s == nil {
		return ErrNotConnected
	}
	if !c.reg.markPending(key, s.id) {
		// No longer desired, or already in flight.
		return nil
	}
	if err := c.limiter.Wait(context.Background()); err != nil {
		c.reg.demote(key)
		return err
	}
	if err := s.sendJSON(key.subscribeRequest()); err != nil {
		c.reg.demote(key)
		return err
	}
	return nil
}

func (c *Client) socketByID(id string) *socket {
	if p := c.primarySocket(); p != nil && p.id == id {
		return p
	}
	return c.pool.find(id)
}

// replayKeys re-issues subscribe frames with a small stagger, ignoring
// individual failures so one bad symbol cannot block the rest.
func (c *Client) replayKeys(keys []SubKey) {
	for i, key := range keys {
		if c.closed.Load() {
			return
		}
		if i > 0 {
			time.Sleep(c.cfg.ResubscribeStagger)
		}
		if err := c.sendSubscribe(key); err != nil {
			c.log.Warn("resubscribe failed",
				logging.String("key", key.String()),
				logging.Error(err))
		}
	}
}

// teardown closes every socket and clears routing state while preserving
// the desired set and the account snapshots.
func (c *Client) teardown() {
	c.mu.Lock()
	p := c.primary
	c.primary = nil
	c.mu.Unlock()
	if p != nil {
		p.close()
	}
	for _, s := range c.pool.reset() {
		s.close()
	}
	c.reg.resetBindings()
	c.resetAuth()
}

// EnsureAuthenticated makes sure the primary socket has completed the auth
// handshake, starting one if needed, and reports the outcome. A timed-out
// handshake leaves the socket usable for public channels.
func (c *Client) EnsureAuthenticated(ctx context.Context) bool {
	if c.signer == nil {
		return false
	}
	p := c.primarySocket()
	if p == nil || !p.open() {
		return false
	}

	c.authMu.Lock()
	switch c.auth {
	case authOK:
		c.authMu.Unlock()
		return true
	case authPending:
		done := c.authDone
		c.authMu.Unlock()
		return c.awaitAuth(ctx, done)
	}

	req, err := c.signer.Sign()
	if err != nil {
		c.authMu.Unlock()
		c.log.Error("credential signing failed", logging.Error(err))
		return false
	}
	req.Event = wire.EventAuth
	done := make(chan struct{})
	c.authDone = done
	c.auth = authPending
	c.authMu.Unlock()

	if err := p.sendJSON(req); err != nil {
		c.log.Warn("auth send failed", logging.Error(err))
		c.failAuthAttempt()
		return false
	}
	return c.awaitAuth(ctx, done)
}

func (c *Client) awaitAuth(ctx context.Context, done chan struct{}) bool {
	timer := time.NewTimer(c.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case <-done:
		c.authMu.Lock()
		ok := c.auth == authOK
		c.authMu.Unlock()
		return ok
	case <-timer.C:
		c.log.Warn("auth handshake timed out",
			logging.Duration("timeout", c.cfg.AuthTimeout))
		c.failAuthAttempt()
		return false
	case <-ctx.Done():
		return false
	}
}

// failAuthAttempt returns a pending handshake to unauthenticated and
// releases any waiters.
func (c *Client) failAuthAttempt() {
	c.authMu.Lock()
	if c.auth == authPending {
		c.auth = authNone
		if c.authDone != nil {
			close(c.authDone)
			c.authDone = nil
		}
	}
	c.authMu.Unlock()
}

// finishAuth consumes the auth-result event, releasing the one-shot
// completion signal exactly once per attempt.
func (c *Client) finishAuth(ev *wire.Event) {
	c.authMu.Lock()
	if ev.Status == "OK" {
		c.auth = authOK
	} else {
		c.auth = authNone
	}
	if c.authDone != nil {
		close(c.authDone)
		c.authDone = nil
	}
	c.authMu.Unlock()

	if ev.Status == "OK" {
		c.log.Info("authenticated")
	} else {
		c.log.Warn("authentication rejected",
			logging.Int("code", ev.Code),
			logging.String("msg", ev.Msg))
	}
}

func (c *Client) resetAuth() {
	c.authMu.Lock()
	c.auth = authNone
	if c.authDone != nil {
		close(c.authDone)
		c.authDone = nil
	}
	c.authMu.Unlock()
}

// SocketStatus describes one connection for observability collaborators.
type SocketStatus struct {
	ID            string
	Primary       bool
	State         string
	Subscriptions int
}

// PoolStatus is a point-in-time snapshot of the connection pool.
type PoolStatus struct {
	Sockets            []SocketStatus
	TotalSubscriptions int
	Authenticated      bool
	PrimaryInboundAge  time.Duration
}

// PoolStatus reports the current sockets, subscription totals, and the
// primary socket's auth and liveness state.
func (c *Client) PoolStatus() PoolStatus {
	counts := c.reg.countBySocket()

	var st PoolStatus
	if p := c.primarySocket(); p != nil {
		st.Sockets = append(st.Sockets, SocketStatus{
			ID:            p.id,
			Primary:       true,
			State:         p.currentState().String(),
			Subscriptions: counts[p.id],
		})
		st.PrimaryInboundAge = time.Since(p.lastInboundTime())
	}
	for _, s := range c.pool.snapshot() {
		st.Sockets = append(st.Sockets, SocketStatus{
			ID:            s.id,
			State:         s.currentState().String(),
			Subscriptions: counts[s.id],
		})
	}
	st.TotalSubscriptions = c.reg.size()

	c.authMu.Lock()
	st.Authenticated = c.auth == authOK
	c.authMu.Unlock()
	return st
}
