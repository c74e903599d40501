// Package symbols rewrites logical trading-pair symbols into the wire
// symbols the exchange actually lists. Rewrite rules are pure; the
// authoritative listing check is delegated to an external Resolver.
package symbols

import (
	"errors"
	"strings"
)

// ErrNotListed is returned when no rewrite of the logical symbol maps to a
// pair currently listed by the exchange.
var ErrNotListed = errors.New("symbol not listed on exchange")

// Resolver is the external collaborator that knows the exchange's live
// symbol directory.
type Resolver interface {
	// Resolve maps a logical symbol to its wire symbol, or "" if unknown.
	Resolve(logical string) string

	// IsListed reports whether a wire symbol is currently tradable.
	IsListed(wire string) bool
}

// Normalizer applies the rewrite rules and validates the result against a
// Resolver. A nil Resolver accepts every rewritten symbol, which keeps
// public-data use possible when no directory is available.
type Normalizer struct {
	resolver Resolver
}

// NewNormalizer creates a Normalizer backed by the given resolver.
func NewNormalizer(resolver Resolver) *Normalizer {
	return &Normalizer{resolver: resolver}
}

// WireSymbol rewrites a logical symbol and checks it against the live
// listing. When the USD-quoted rewrite is not listed, the stablecoin quote
// (UST) is tried before giving up.
func (n *Normalizer) WireSymbol(logical string) (string, error) {
	sym := Rewrite(logical)

	if n.resolver == nil {
		return sym, nil
	}

	if resolved := n.resolver.Resolve(logical); resolved != "" {
		sym = resolved
	}

	if n.resolver.IsListed(sym) {
		return sym, nil
	}

	// Quote-currency fallback: prefer the stablecoin-quoted pair when the
	// USD pair is not listed.
	if strings.HasSuffix(sym, "USD") {
		alt := sym + "T"
		if n.resolver.IsListed(alt) {
			return alt, nil
		}
	}

	return "", ErrNotListed
}

// Rewrite applies the pure substitution rules: strip the trading-pair
// prefix if present, uppercase, strip paper-trade "TEST" markers, collapse
// the separator for short currency codes, and re-add the prefix.
func Rewrite(logical string) string {
	sym := strings.TrimSpace(logical)
	sym = strings.TrimPrefix(sym, "t")
	sym = strings.ToUpper(sym)
	sym = strings.ReplaceAll(sym, "TEST", "")

	if base, quote, ok := strings.Cut(sym, ":"); ok && len(base) <= 3 && len(quote) <= 3 {
		sym = base + quote
	}

	return "t" + sym
}
