package disposition

import (
	"tradingengine/internal/money"
	"tradingengine/internal/orders"
)

// tolerance is the 0.1% slack spec.md §4.9 step 3 allows between a slot's
// resting amount and the strategy's desired amount before the executor
// trims the slot down.
var tolerance = money.FromFloat(1.001)

// Slot is spec.md §3's PriceSlot: the orders currently resting at one
// (side, level index), plus the strategy's current intent for that slot.
// Every order held in Orders must share Side — enforced by AddOrder.
type Slot struct {
	Side     orders.Side
	Index    int
	HasPrice bool
	Price    money.Decimal
	Orders   map[money.ClientOrderId]*orders.Order
	Desired  DesiredLevel
}

func NewSlot(side orders.Side, index int) *Slot {
	return &Slot{Side: side, Index: index, Orders: make(map[money.ClientOrderId]*orders.Order)}
}

// AddOrder registers o as resting in this slot. It panics if o's side
// does not match the slot's — the same invariant spec.md §3 states for
// CompositeOrder.
func (s *Slot) AddOrder(o *orders.Order) {
	if o.Header.Side != s.Side {
		panic("disposition: order side does not match slot side")
	}
	if len(s.Orders) == 0 {
		s.HasPrice = true
		s.Price = o.Simple.Price
	}
	s.Orders[o.Header.ClientOrderId] = o
}

func (s *Slot) RemoveOrder(id money.ClientOrderId) {
	delete(s.Orders, id)
	if len(s.Orders) == 0 {
		s.HasPrice = false
	}
}

func (s *Slot) IsEmpty() bool {
	return len(s.Orders) == 0
}

// RemainingAmount sums the not-yet-filled amount of every order resting
// in this slot.
func (s *Slot) RemainingAmount() money.Decimal {
	total := money.Zero
	for _, o := range s.Orders {
		total = total.Add(o.RemainingAmount())
	}
	return total
}

// SmallestOrders returns the orders in this slot sorted ascending by
// remaining amount, used by the trim step to cancel the least amount of
// resting liquidity needed to bring the slot within tolerance.
func (s *Slot) SmallestOrders() []*orders.Order {
	out := make([]*orders.Order, 0, len(s.Orders))
	for _, o := range s.Orders {
		out = append(out, o)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RemainingAmount().LessThan(out[j-1].RemainingAmount()); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// samePrice reports whether the slot's current resting price equals p.
func (s *Slot) samePrice(p money.Decimal) bool {
	return s.HasPrice && s.Price.Equal(p)
}
