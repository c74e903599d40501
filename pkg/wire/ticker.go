package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Ticker is the named-field shape of the fixed-position 10-element ticker
// array [bid, bidSize, ask, askSize, dailyChange, dailyChangePct,
// lastPrice, volume, high, low].
type Ticker struct {
	Symbol             string
	Bid                float64
	BidSize            float64
	Ask                float64
	AskSize            float64
	DailyChange        float64
	DailyChangePercent float64
	LastPrice          float64
	Volume             float64
	High               float64
	Low                float64
}

// ParseTicker reshapes a wire ticker array into named fields.
func ParseTicker(symbol string, payload json.RawMessage) (Ticker, error) {
	var fields []float64
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Ticker{}, fmt.Errorf("decode ticker for %s: %w", symbol, err)
	}
	if len(fields) < 10 {
		return Ticker{}, fmt.Errorf("ticker for %s has %d fields, want 10", symbol, len(fields))
	}
	return Ticker{
		Symbol:             symbol,
		Bid:                fields[0],
		BidSize:            fields[1],
		Ask:                fields[2],
		AskSize:            fields[3],
		DailyChange:        fields[4],
		DailyChangePercent: fields[5],
		LastPrice:          fields[6],
		Volume:             fields[7],
		High:               fields[8],
		Low:                fields[9],
	}, nil
}
