// Package symbol holds per-market trading metadata: tick size, min/max
// order amount, rounding modes, and the derivative-specific fields needed
// by the balance-change calculator (amount_multiplier,
// balance_currency_code). It generalizes the teacher's
// pkg/types.MarketInfo/TickSize (fixed to Polymarket's four tick sizes)
// to an arbitrary decimal tick per market.
package symbol

import (
	"tradingengine/internal/money"
)

// Symbol describes one tradeable currency pair on one venue.
type Symbol struct {
	CurrencyPair money.CurrencyPair

	PriceTick  money.Decimal // minimum price increment
	AmountTick money.Decimal // minimum amount increment

	MinAmount money.Decimal
	MaxAmount money.Decimal

	PriceRounding  money.RoundingMode
	AmountRounding money.RoundingMode

	// IsDerivative marks a futures/perpetual/inverse contract. When true,
	// AmountMultiplier and BalanceCurrencyCode drive the balance-change
	// calculator's amount scaling and settlement currency (spec.md §4.5).
	IsDerivative bool

	// AmountMultiplier scales contract count to underlying notional for
	// derivatives (e.g. 1 contract == 100 USD of exposure).
	AmountMultiplier money.Decimal

	// BalanceCurrencyCode is the currency derivative P&L settles in.
	// Empty for non-derivative symbols.
	BalanceCurrencyCode string

	// Reversed indicates the derivative's amount is denominated in quote
	// and settles in base (true) or the converse (false). Only meaningful
	// when IsDerivative is true.
	Reversed bool
}

// RoundPrice rounds a raw price to this symbol's tick using its configured
// rounding mode.
func (s Symbol) RoundPrice(price money.Decimal) money.Decimal {
	return money.RoundToStep(price, s.PriceTick, s.PriceRounding)
}

// RoundAmount rounds a raw amount to this symbol's tick using its
// configured rounding mode.
func (s Symbol) RoundAmount(amount money.Decimal) money.Decimal {
	return money.RoundToStep(amount, s.AmountTick, s.AmountRounding)
}

// ClampAmount clamps amount into [MinAmount, MaxAmount]. A zero MaxAmount
// means "no upper bound".
func (s Symbol) ClampAmount(amount money.Decimal) money.Decimal {
	if amount.LessThan(s.MinAmount) {
		return s.MinAmount
	}
	if !s.MaxAmount.IsZero() && amount.GreaterThan(s.MaxAmount) {
		return s.MaxAmount
	}
	return amount
}

// IsValidAmount reports whether amount is within [MinAmount, MaxAmount]
// (inclusive), treating a zero MaxAmount as unbounded.
func (s Symbol) IsValidAmount(amount money.Decimal) bool {
	if amount.LessThan(s.MinAmount) {
		return false
	}
	if !s.MaxAmount.IsZero() && amount.GreaterThan(s.MaxAmount) {
		return false
	}
	return true
}

// Store is a concurrency-safe registry of Symbol metadata keyed by
// CurrencyPair, populated at startup from configuration and consulted by
// every component that needs tick/rounding/derivative information.
type Store struct {
	symbols map[money.CurrencyPair]Symbol
}

func NewStore() *Store {
	return &Store{symbols: make(map[money.CurrencyPair]Symbol)}
}

func (s *Store) Add(sym Symbol) {
	s.symbols[sym.CurrencyPair] = sym
}

func (s *Store) Get(pair money.CurrencyPair) (Symbol, bool) {
	sym, ok := s.symbols[pair]
	return sym, ok
}
