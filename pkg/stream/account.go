package stream

import (
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

// PrivateHandler receives channel-zero account events by exact code match.
type PrivateHandler func(code string, fields []json.RawMessage)

// AccountState routes channel-zero events and keeps last-known snapshots of
// wallet, position, margin, and funding data. Snapshots survive reconnects
// for the life of the process.
type AccountState struct {
	mu sync.Mutex

	wallets   map[string]wire.WalletUpdate
	positions map[string]wire.PositionUpdate
	margin    *wire.MarginBase
	marginSym map[string]wire.MarginSymbol
	funding   map[string]wire.FundingInfo

	handlers map[string]PrivateHandler
	seen     map[string]struct{}

	log logging.Logger
}

func newAccountState(log logging.Logger) *AccountState {
	return &AccountState{
		wallets:   make(map[string]wire.WalletUpdate),
		positions: make(map[string]wire.PositionUpdate),
		marginSym: make(map[string]wire.MarginSymbol),
		funding:   make(map[string]wire.FundingInfo),
		handlers:  make(map[string]PrivateHandler),
		seen:      make(map[string]struct{}),
		log:       log,
	}
}

// registerHandler installs a caller handler for an event code outside the
// built-in set. One handler per code; a second registration replaces the
// first.
func (a *AccountState) registerHandler(code string, h PrivateHandler) {
	a.mu.Lock()
	a.handlers[code] = h
	a.mu.Unlock()
}

// dispatch routes one channel-zero event. It must never panic: short or
// malformed arrays are logged and skipped.
func (a *AccountState) dispatch(code string, fields []json.RawMessage) {
	switch code {
	case wire.CodeWalletSnapshot:
		a.eachEntry(fields, a.applyWallet)
	case wire.CodeWalletUpdate:
		a.applyFirst(fields, a.applyWallet)
	case wire.CodePositionSnapshot:
		a.eachEntry(fields, a.applyPosition)
	case wire.CodePositionUpdate:
		a.applyFirst(fields, a.applyPosition)
	case wire.CodeMarginInfo:
		a.applyFirst(fields, a.applyMargin)
	case wire.CodeFundingInfo:
		a.applyFirst(fields, a.applyFunding)
	default:
		a.mu.Lock()
		h := a.handlers[code]
		a.mu.Unlock()
		if h != nil {
			h(code, fields)
			return
		}
		a.log.Debug("unhandled account event", logging.String("code", code))
	}
}

// applyFirst applies fn to the first payload element, if present.
func (a *AccountState) applyFirst(fields []json.RawMessage, fn func(json.RawMessage)) {
	if len(fields) == 0 {
		return
	}
	fn(fields[0])
}

// eachEntry applies fn to every entry of a snapshot array-of-arrays.
func (a *AccountState) eachEntry(fields []json.RawMessage, fn func(json.RawMessage)) {
	if len(fields) == 0 {
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(fields[0], &entries); err != nil {
		a.log.Debug("malformed account snapshot", logging.Error(err))
		return
	}
	for _, entry := range entries {
		fn(entry)
	}
}

func (a *AccountState) applyWallet(payload json.RawMessage) {
	w, err := wire.ParseWalletUpdate(payload)
	if err != nil {
		a.log.Debug("skipping wallet update", logging.Error(err))
		return
	}
	a.mu.Lock()
	a.wallets[w.Key()] = w
	first := a.firstObservationLocked("wallet:" + w.Key())
	a.mu.Unlock()

	if first {
		a.log.Info("wallet tracked",
			logging.String("wallet", w.WalletType),
			logging.String("currency", w.Currency),
			logging.Float64("balance", w.Balance))
	}
}

func (a *AccountState) applyPosition(payload json.RawMessage) {
	p, err := wire.ParsePositionUpdate(payload)
	if err != nil {
		a.log.Debug("skipping position update", logging.Error(err))
		return
	}
	a.mu.Lock()
	a.positions[p.Symbol] = p
	first := a.firstObservationLocked("position:" + p.Symbol)
	a.mu.Unlock()

	if first {
		a.log.Info("position tracked",
			logging.String("symbol", p.Symbol),
			logging.String("status", p.Status),
			logging.Float64("amount", p.Amount))
	}
}

func (a *AccountState) applyMargin(payload json.RawMessage) {
	base, sym, err := wire.ParseMarginInfo(payload)
	if err != nil {
		a.log.Debug("skipping margin info", logging.Error(err))
		return
	}

	a.mu.Lock()
	var first bool
	if base != nil {
		a.margin = base
		first = a.firstObservationLocked("margin:base")
	} else {
		a.marginSym[sym.Symbol] = *sym
		first = a.firstObservationLocked("margin:" + sym.Symbol)
	}
	a.mu.Unlock()

	if first {
		if base != nil {
			a.log.Info("margin base tracked", logging.Float64("balance", base.MarginBalance))
		} else {
			a.log.Info("margin tracked", logging.String("symbol", sym.Symbol))
		}
	}
}

func (a *AccountState) applyFunding(payload json.RawMessage) {
	f, err := wire.ParseFundingInfo(payload)
	if err != nil {
		a.log.Debug("skipping funding info", logging.Error(err))
		return
	}
	a.mu.Lock()
	a.funding[f.Symbol] = f
	first := a.firstObservationLocked("funding:" + f.Symbol)
	a.mu.Unlock()

	if first {
		a.log.Info("funding tracked", logging.String("symbol", f.Symbol))
	}
}

// firstObservationLocked reports whether this key has been seen before and
// records it. High-frequency updates after the first stay quiet in logs.
func (a *AccountState) firstObservationLocked(key string) bool {
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	return true
}

// Wallet returns the last-known balance for a walletType:currency pair.
func (a *AccountState) Wallet(walletType, currency string) (wire.WalletUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.wallets[walletType+":"+currency]
	return w, ok
}

// Position returns the last-known position for a symbol.
func (a *AccountState) Position(symbol string) (wire.PositionUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[symbol]
	return p, ok
}

// MarginBase returns the account-wide margin figures.
func (a *AccountState) MarginBase() (wire.MarginBase, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.margin == nil {
		return wire.MarginBase{}, false
	}
	return *a.margin, true
}

// MarginSymbol returns the per-symbol margin figures.
func (a *AccountState) MarginSymbol(symbol string) (wire.MarginSymbol, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.marginSym[symbol]
	return m, ok
}

// Funding returns the per-symbol funding rates.
func (a *AccountState) Funding(symbol string) (wire.FundingInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.funding[symbol]
	return f, ok
}
