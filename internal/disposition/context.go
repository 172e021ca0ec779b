// Package disposition implements the single-threaded reactor that turns
// a strategy's declarative trading intent into create/cancel requests
// against one (venue, currency pair) market.
//
// Grounded on the teacher's internal/strategy/maker.go tick loop
// (book-staleness check, reconcile-orders diffing, cancel/place
// batching), generalized from the teacher's fixed single bid/ask pair to
// spec.md §3's indexed PriceSlot ladder and §4.9's synchronize algorithm;
// algorithm detail from original_source/core/src/disposition_execution/
// executor.rs.
package disposition

import (
	"tradingengine/internal/money"
	"tradingengine/internal/orderbook"
	"tradingengine/internal/orders"
)

// DesiredLevel is one strategy-intended price slot: rest Amount at Price,
// of which HighPriorityAmount is already accounted for by an order the
// strategy considers untouchable this cycle (e.g. a partially-filled
// order it doesn't want requoted).
type DesiredLevel struct {
	Price              money.Decimal
	Amount             money.Decimal
	HighPriorityAmount money.Decimal
	// SignalId optionally tags which strategy signal produced this level,
	// carried onto the resulting order's Header for downstream attribution.
	SignalId string
}

// TradingContext is the strategy's full intent for a market at one
// instant: the desired ladder on each side, indexed by level (slot 0 is
// the level closest to the touch).
type TradingContext struct {
	Bids []DesiredLevel
	Asks []DesiredLevel
}

// LevelFor returns the desired level at index i on side, or the zero
// value (an empty slot) if the strategy did not specify one that deep.
func (c TradingContext) LevelFor(side orders.Side, i int) DesiredLevel {
	levels := c.Bids
	if side == orders.Sell {
		levels = c.Asks
	}
	if i < 0 || i >= len(levels) {
		return DesiredLevel{}
	}
	return levels[i]
}

// Depth returns how many levels side has in this context.
func (c TradingContext) Depth(side orders.Side) int {
	if side == orders.Sell {
		return len(c.Asks)
	}
	return len(c.Bids)
}

// Equal reports whether two contexts describe the same ladder, used to
// decide whether a new market event actually changes the strategy's
// intent and therefore warrants running synchronize_price_slots.
func (c TradingContext) Equal(other TradingContext) bool {
	return levelsEqual(c.Bids, other.Bids) && levelsEqual(c.Asks, other.Asks)
}

func levelsEqual(a, b []DesiredLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Amount.Equal(b[i].Amount) || !a[i].HighPriorityAmount.Equal(b[i].HighPriorityAmount) {
			return false
		}
	}
	return true
}

// Strategy is the one polymorphic seam on the disposition side (the
// other is exchange.RestClient): it turns the current order book and
// position into a TradingContext. Everything about "what to quote" lives
// behind this interface; the executor only knows how to drive the
// current order set toward whatever it returns.
type Strategy interface {
	ComputeTradingContext(book *orderbook.Book, position money.Decimal) TradingContext

	// HandleOrderFill is invoked whenever a tracked order receives a
	// fill, so stateful strategies (inventory skew, flow toxicity) can
	// update before the next ComputeTradingContext call.
	HandleOrderFill(order *orders.Order, fill orders.Fill)
}
