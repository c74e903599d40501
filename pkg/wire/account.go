package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// WalletUpdate is a decoded "wu" array:
// [walletType, currency, balance, unsettledInterest, availableBalance, ...].
type WalletUpdate struct {
	WalletType        string
	Currency          string
	Balance           float64
	UnsettledInterest float64
	Available         float64
}

// Key returns the snapshot key "walletType:currency".
func (w WalletUpdate) Key() string {
	return w.WalletType + ":" + w.Currency
}

// PositionUpdate is a decoded "pu" array:
// [symbol, status, amount, basePrice, marginFunding, marginFundingType, pl, plPercent, ...].
type PositionUpdate struct {
	Symbol        string
	Status        string
	Amount        float64
	BasePrice     float64
	MarginFunding float64
	PL            float64
	PLPercent     float64
}

// MarginBase is the "base" variant of a "miu" array:
// ["base", [userPL, userSwaps, marginBalance, marginNet, marginMin]].
type MarginBase struct {
	UserPL        float64
	UserSwaps     float64
	MarginBalance float64
	MarginNet     float64
	MarginMin     float64
}

// MarginSymbol is the per-symbol variant of a "miu" array:
// ["sym", symbol, [tradableBalance, grossBalance, buy, sell, ...]].
type MarginSymbol struct {
	Symbol          string
	TradableBalance float64
	GrossBalance    float64
	Buy             float64
	Sell            float64
}

// FundingInfo is a decoded "fiu" array:
// ["sym", symbol, [yieldLoan, yieldLend, durationLoan, durationLend]].
type FundingInfo struct {
	Symbol       string
	YieldLoan    float64
	YieldLend    float64
	DurationLoan float64
	DurationLend float64
}

// ParseWalletUpdate decodes a single wallet entry. Short arrays decode with
// zero values for the missing trailing fields.
func ParseWalletUpdate(payload json.RawMessage) (WalletUpdate, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil {
		return WalletUpdate{}, fmt.Errorf("decode wallet update: %w", err)
	}
	w := WalletUpdate{
		WalletType:        stringAt(arr, 0),
		Currency:          stringAt(arr, 1),
		Balance:           floatAt(arr, 2),
		UnsettledInterest: floatAt(arr, 3),
		Available:         floatAt(arr, 4),
	}
	if w.WalletType == "" || w.Currency == "" {
		return WalletUpdate{}, fmt.Errorf("wallet update missing type or currency")
	}
	return w, nil
}

// ParsePositionUpdate decodes a single position entry.
func ParsePositionUpdate(payload json.RawMessage) (PositionUpdate, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil {
		return PositionUpdate{}, fmt.Errorf("decode position update: %w", err)
	}
	p := PositionUpdate{
		Symbol:        stringAt(arr, 0),
		Status:        stringAt(arr, 1),
		Amount:        floatAt(arr, 2),
		BasePrice:     floatAt(arr, 3),
		MarginFunding: floatAt(arr, 4),
		PL:            floatAt(arr, 6),
		PLPercent:     floatAt(arr, 7),
	}
	if p.Symbol == "" {
		return PositionUpdate{}, fmt.Errorf("position update missing symbol")
	}
	return p, nil
}

// ParseMarginInfo decodes a "miu" payload into either the base or the
// per-symbol variant; exactly one of the results is non-nil on success.
func ParseMarginInfo(payload json.RawMessage) (*MarginBase, *MarginSymbol, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil {
		return nil, nil, fmt.Errorf("decode margin info: %w", err)
	}
	switch stringAt(arr, 0) {
	case "base":
		vals := arrayAt(arr, 1)
		return &MarginBase{
			UserPL:        floatAt(vals, 0),
			UserSwaps:     floatAt(vals, 1),
			MarginBalance: floatAt(vals, 2),
			MarginNet:     floatAt(vals, 3),
			MarginMin:     floatAt(vals, 4),
		}, nil, nil
	case "sym":
		symbol := stringAt(arr, 1)
		if symbol == "" {
			return nil, nil, fmt.Errorf("margin info missing symbol")
		}
		vals := arrayAt(arr, 2)
		return nil, &MarginSymbol{
			Symbol:          symbol,
			TradableBalance: floatAt(vals, 0),
			GrossBalance:    floatAt(vals, 1),
			Buy:             floatAt(vals, 2),
			Sell:            floatAt(vals, 3),
		}, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized margin info variant")
	}
}

// ParseFundingInfo decodes a "fiu" payload.
func ParseFundingInfo(payload json.RawMessage) (FundingInfo, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil {
		return FundingInfo{}, fmt.Errorf("decode funding info: %w", err)
	}
	if stringAt(arr, 0) != "sym" {
		return FundingInfo{}, fmt.Errorf("unrecognized funding info variant")
	}
	symbol := stringAt(arr, 1)
	if symbol == "" {
		return FundingInfo{}, fmt.Errorf("funding info missing symbol")
	}
	vals := arrayAt(arr, 2)
	return FundingInfo{
		Symbol:       symbol,
		YieldLoan:    floatAt(vals, 0),
		YieldLend:    floatAt(vals, 1),
		DurationLoan: floatAt(vals, 2),
		DurationLend: floatAt(vals, 3),
	}, nil
}
