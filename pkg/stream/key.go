package stream

import (
	"strings"

	"github.com/tradeforge/bfxstream/pkg/wire"
)

// SubKey identifies a desired subscription: the channel kind plus the wire
// symbol and any channel-specific parameters. It doubles as the idempotency
// token for already-subscribing checks.
type SubKey struct {
	Channel   string
	Symbol    string
	Timeframe string
	Precision string
	Frequency string
	Length    string
}

// TickerKey builds the key for a ticker subscription.
func TickerKey(symbol string) SubKey {
	return SubKey{Channel: wire.ChannelTicker, Symbol: symbol}
}

// TradesKey builds the key for a trades subscription.
func TradesKey(symbol string) SubKey {
	return SubKey{Channel: wire.ChannelTrades, Symbol: symbol}
}

// CandlesKey builds the key for a candle subscription at the given timeframe.
func CandlesKey(symbol, timeframe string) SubKey {
	return SubKey{Channel: wire.ChannelCandles, Symbol: symbol, Timeframe: timeframe}
}

// BookKey builds the key for an order-book subscription.
func BookKey(symbol, precision, frequency, length string) SubKey {
	return SubKey{
		Channel:   wire.ChannelBook,
		Symbol:    symbol,
		Precision: precision,
		Frequency: frequency,
		Length:    length,
	}
}

// String renders a stable human-readable form used in logs.
func (k SubKey) String() string {
	parts := []string{k.Channel, k.Symbol}
	if k.Timeframe != "" {
		parts = append(parts, k.Timeframe)
	}
	if k.Precision != "" || k.Frequency != "" || k.Length != "" {
		parts = append(parts, k.Precision, k.Frequency, k.Length)
	}
	return strings.Join(parts, ":")
}

// streamKey renders the candle channel's wire key ("trade:<tf>:<symbol>").
func (k SubKey) streamKey() string {
	return "trade:" + k.Timeframe + ":" + k.Symbol
}

// subscribeRequest builds the outbound subscribe envelope for the key.
func (k SubKey) subscribeRequest() wire.SubscribeRequest {
	req := wire.SubscribeRequest{Event: wire.EventSubscribe, Channel: k.Channel}
	switch k.Channel {
	case wire.ChannelCandles:
		req.Key = k.streamKey()
	case wire.ChannelBook:
		req.Symbol = k.Symbol
		req.Precision = k.Precision
		req.Frequency = k.Frequency
		req.Length = k.Length
	default:
		req.Symbol = k.Symbol
	}
	return req
}

// keyFromAck reconstructs the SubKey a subscribe acknowledgement (or
// subscription error) refers to.
func keyFromAck(ev *wire.Event) (SubKey, bool) {
	switch ev.Channel {
	case wire.ChannelTicker, wire.ChannelTrades:
		if ev.Symbol == "" {
			return SubKey{}, false
		}
		return SubKey{Channel: ev.Channel, Symbol: ev.Symbol}, true
	case wire.ChannelCandles:
		// Key is "trade:<tf>:<symbol>"; the symbol itself may contain ':'.
		parts := strings.SplitN(ev.Key, ":", 3)
		if len(parts) != 3 {
			return SubKey{}, false
		}
		return CandlesKey(parts[2], parts[1]), true
	case wire.ChannelBook:
		if ev.Symbol == "" {
			return SubKey{}, false
		}
		return BookKey(ev.Symbol, ev.Precision, ev.Frequency, ev.Length), true
	default:
		return SubKey{}, false
	}
}
