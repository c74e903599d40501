package stream

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/tradeforge/bfxstream/pkg/logging"
)

// supervisor watches connection liveness and rebuilds the socket chain on
// failure. Its periodic loops run per connection generation; the reconnect
// procedure is re-entrancy guarded.
type supervisor struct {
	c *Client

	reconnecting atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
}

func newSupervisor(c *Client) *supervisor {
	return &supervisor{c: c}
}

// start launches a fresh generation of the periodic loops, cancelling any
// previous generation first so repeated reconnects never stack timers. On a
// closed client it refuses, so a reconnect racing Close cannot revive them.
func (sv *supervisor) start() {
	sv.mu.Lock()
	if sv.c.closed.Load() {
		sv.mu.Unlock()
		return
	}
	if sv.stop != nil {
		close(sv.stop)
	}
	sv.stop = make(chan struct{})
	stop := sv.stop
	sv.mu.Unlock()

	go sv.pingLoop(stop)
	go sv.watchdog(stop)
	go sv.reconcileLoop(stop)
}

// halt cancels the current generation of loops.
func (sv *supervisor) halt() {
	sv.mu.Lock()
	if sv.stop != nil {
		close(sv.stop)
		sv.stop = nil
	}
	sv.mu.Unlock()
}

// pingLoop sends the literal ping frame on the primary socket. Failures are
// swallowed; the next tick retries.
func (sv *supervisor) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(sv.c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if p := sv.c.primarySocket(); p != nil && p.open() {
				_ = p.sendRaw([]byte("ping"))
			}
		}
	}
}

// watchdog compares now against the primary socket's last inbound message
// and declares the connection dead past the heartbeat timeout.
func (sv *supervisor) watchdog(stop chan struct{}) {
	ticker := time.NewTicker(sv.c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p := sv.c.primarySocket()
			if p == nil || !p.open() {
				continue
			}
			silence := time.Since(p.lastInboundTime())
			if silence > sv.c.cfg.HeartbeatTimeout {
				sv.c.log.Warn("heartbeat timeout",
					logging.Duration("silence", silence))
				sv.triggerReconnect("heartbeat timeout")
			}
		}
	}
}

// reconcileLoop re-issues subscribe frames for desired keys that lost
// their socket, and sweeps the calc cache.
func (sv *supervisor) reconcileLoop(stop chan struct{}) {
	ticker := time.NewTicker(sv.c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sv.c.calc.sweep()
			sv.c.replayKeys(sv.c.reg.idle())
		}
	}
}

// triggerReconnect starts the reconnect procedure unless one is already in
// flight.
func (sv *supervisor) triggerReconnect(reason string) {
	go sv.reconnect(reason)
}

func (sv *supervisor) reconnect(reason string) {
	if !sv.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer sv.reconnecting.Store(false)

	if sv.c.closed.Load() {
		return
	}
	sv.c.log.Warn("reconnecting", logging.String("reason", reason))

	sv.halt()
	sv.c.teardown()

	err := retry.Do(
		func() error {
			if err := sv.c.connectPrimary(context.Background()); err != nil {
				if errors.Is(err, ErrClosed) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			return nil
		},
		retry.Attempts(uint(sv.c.cfg.ReconnectAttempts)),
		retry.DelayType(sv.backoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			sv.c.log.Warn("reconnect attempt failed",
				logging.Int("attempt", int(n+1)),
				logging.Error(err))
		}),
	)
	if sv.c.closed.Load() {
		// Close landed mid-procedure; drop whatever the last attempt
		// opened and stay halted.
		sv.c.teardown()
		return
	}
	if err != nil {
		sv.c.log.Error("reconnect attempts exhausted", logging.Error(err))
	}

	sv.start()

	// Replay the desired set whether or not the bounded retries succeeded;
	// the watchdog fires again if the connection is still down.
	sv.c.replayKeys(sv.c.reg.desired())
}

func (sv *supervisor) backoff(n uint, _ error, _ *retry.Config) time.Duration {
	return reconnectDelay(sv.c.cfg.ReconnectBaseDelay, sv.c.cfg.ReconnectMaxDelay, n)
}

// reconnectDelay doubles the base delay per attempt up to the cap, plus
// random jitter up to 40% of the current delay.
func reconnectDelay(base, cap time.Duration, n uint) time.Duration {
	d := base << n
	if d <= 0 || d > cap {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(d*2/5) + 1))
	return d + jitter
}
