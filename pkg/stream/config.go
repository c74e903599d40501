package stream

import (
	"time"

	"github.com/tradeforge/bfxstream/pkg/ratelimit"
)

// Config holds the client configuration: pool limits, liveness timeouts,
// reconnect backoff parameters, and outbound pacing.
type Config struct {
	// URL is the exchange WebSocket endpoint.
	URL string

	// MaxSubsPerSocket is the per-socket subscription ceiling before the
	// pool prefers opening a new connection.
	MaxSubsPerSocket int

	// MaxSockets caps the number of public pool connections.
	MaxSockets int

	// PingInterval is the cadence of the literal ping frame on the primary
	// socket.
	PingInterval time.Duration

	// WatchdogInterval is how often the heartbeat watchdog compares now
	// against the primary socket's last inbound message.
	WatchdogInterval time.Duration

	// HeartbeatTimeout is the inbound silence beyond which the connection
	// is declared dead and rebuilt.
	HeartbeatTimeout time.Duration

	// AuthTimeout bounds the single wait for the auth handshake result.
	AuthTimeout time.Duration

	// ReconnectAttempts bounds the connect retries inside one reconnect
	// procedure.
	ReconnectAttempts uint

	// ReconnectBaseDelay is the first backoff delay; it doubles per attempt
	// up to ReconnectMaxDelay, plus jitter up to 40% of the current delay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// ResubscribeStagger spaces out subscribe frames during desired-state
	// replay so one bad symbol cannot stall the rest in a burst.
	ResubscribeStagger time.Duration

	// ReconcileInterval is the cadence of the pass that re-issues subscribe
	// frames for desired keys that lost their socket.
	ReconcileInterval time.Duration

	// CalcTTL suppresses duplicate calc requests per (kind, key).
	CalcTTL time.Duration

	// OutboundRate paces subscribe, calc, and command frames.
	OutboundRate ratelimit.Rate

	// ConfFlags, when non-zero, is sent as {event:"conf", flags} after each
	// connect.
	ConfFlags int
}

// DefaultConfig returns a configuration with production defaults for the
// given endpoint.
func DefaultConfig(url string) Config {
	return Config{URL: url}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxSubsPerSocket <= 0 {
		c.MaxSubsPerSocket = 25
	}
	if c.MaxSockets <= 0 {
		c.MaxSockets = 3
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 15 * time.Second
	}
	if c.ResubscribeStagger <= 0 {
		c.ResubscribeStagger = 50 * time.Millisecond
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.CalcTTL <= 0 {
		c.CalcTTL = 300 * time.Second
	}
	if c.OutboundRate.Limit <= 0 || c.OutboundRate.Interval <= 0 {
		c.OutboundRate = ratelimit.Rate{Limit: 10, Interval: time.Second}
	}
	return c
}
