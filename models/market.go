package models

import (
	"fmt"
	"strings"
)

// Market identifies a trading pair as a (base, quote) currency tuple.
// Both codes are uppercase and non-empty. The canonical textual form is
// "BASE/QUOTE"; venue specific renderings are derived on demand and never
// stored in normalized records.
type Market struct {
	Base  string
	Quote string
}

// NewMarket builds a Market from raw currency codes. Codes are trimmed and
// uppercased before validation.
func NewMarket(base, quote string) (Market, error) {
	m := Market{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
	if m.Base == "" || m.Quote == "" {
		return Market{}, fmt.Errorf("market requires non-empty base and quote, got %q/%q", base, quote)
	}
	return m, nil
}

// ParseMarket parses the canonical "BASE/QUOTE" form. Exactly one slash is
// required; any other shape is an error.
func ParseMarket(s string) (Market, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Market{}, fmt.Errorf("invalid market %q: expected BASE/QUOTE", s)
	}
	return NewMarket(parts[0], parts[1])
}

// String returns the canonical "BASE/QUOTE" form.
func (m Market) String() string {
	return m.Base + "/" + m.Quote
}

// IsZero reports whether the market has not been populated.
func (m Market) IsZero() bool {
	return m.Base == "" && m.Quote == ""
}
