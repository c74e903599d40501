// Package wire encodes and decodes the exchange's JSON message envelope:
// object-shaped events (subscribe acks, errors, auth results), array-shaped
// data frames of the form [chanId, payload], and the channel-zero account
// event frames [0, code, payload].
package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Channel kinds accepted by the subscribe request.
const (
	ChannelTicker  = "ticker"
	ChannelTrades  = "trades"
	ChannelCandles = "candles"
	ChannelBook    = "book"
)

// Event names carried by object-shaped envelope messages.
const (
	EventSubscribe    = "subscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribe  = "unsubscribe"
	EventUnsubscribed = "unsubscribed"
	EventAuth         = "auth"
	EventConf         = "conf"
	EventDMS          = "dms"
	EventInfo         = "info"
	EventError        = "error"
)

// Info codes the exchange may push; 20051 asks clients to reconnect.
const (
	InfoCodeReconnect   = 20051
	InfoCodeMaintenance = 20060
)

// Channel-zero account event codes.
const (
	CodeHeartbeat        = "hb"
	CodeWalletSnapshot   = "ws"
	CodeWalletUpdate     = "wu"
	CodePositionSnapshot = "ps"
	CodePositionUpdate   = "pu"
	CodeMarginInfo       = "miu"
	CodeFundingInfo      = "fiu"
	CodeNotification     = "n"
)

// Outbound command opcodes sent as [0, op, null, payload] on the
// authenticated socket.
const (
	OpOrderNew    = "on"
	OpOrderCancel = "oc"
	OpOrderUpdate = "ou"
	OpCancelMulti = "oc_multi"
	OpOrderOps    = "ops"
	OpCalc        = "calc"
)

// SubscribeRequest is the outbound subscribe envelope. Symbol is used by
// ticker/trades/book channels; Key by candles ("trade:<tf>:<symbol>").
type SubscribeRequest struct {
	Event     string `json:"event"`
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol,omitempty"`
	Key       string `json:"key,omitempty"`
	Precision string `json:"prec,omitempty"`
	Frequency string `json:"freq,omitempty"`
	Length    string `json:"len,omitempty"`
}

// UnsubscribeRequest releases a channel id previously assigned by the
// exchange on the connection it is sent over.
type UnsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// AuthRequest is the signed authentication handshake. Construction of the
// payload and signature is the credential signer's job.
type AuthRequest struct {
	Event       string `json:"event"`
	APIKey      string `json:"apiKey"`
	AuthNonce   string `json:"authNonce"`
	AuthPayload string `json:"authPayload"`
	AuthSig     string `json:"authSig"`
}

// ConfRequest toggles connection-level protocol flags.
type ConfRequest struct {
	Event string `json:"event"`
	Flags int    `json:"flags"`
}

// DMSRequest enables the exchange-side dead-man switch for this session.
type DMSRequest struct {
	Event   string `json:"event"`
	Status  int    `json:"status"`
	Timeout int    `json:"timeout"`
}

// Event is the inbound object-shaped envelope. Not every field is present
// on every event; consumers switch on Event and read what applies.
type Event struct {
	Event     string `json:"event"`
	Channel   string `json:"channel,omitempty"`
	ChanID    int64  `json:"chanId,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Key       string `json:"key,omitempty"`
	Precision string `json:"prec,omitempty"`
	Frequency string `json:"freq,omitempty"`
	Length    string `json:"len,omitempty"`
	Status    string `json:"status,omitempty"`
	Code      int    `json:"code,omitempty"`
	Msg       string `json:"msg,omitempty"`
	Version   int    `json:"version,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

// EncodeCommand builds the [0, op, null, payload] command frame.
func EncodeCommand(op string, payload interface{}) ([]byte, error) {
	frame := []interface{}{0, op, nil, payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", op, err)
	}
	return data, nil
}

// EncodeCalc builds the [0, "calc", null, [[key], ...]] request frame.
func EncodeCalc(keys []string) ([]byte, error) {
	wrapped := make([][]string, 0, len(keys))
	for _, k := range keys {
		wrapped = append(wrapped, []string{k})
	}
	return EncodeCommand(OpCalc, wrapped)
}

// Encode marshals an outbound envelope value.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
