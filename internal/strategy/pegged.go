// Package strategy provides a reference disposition.Strategy
// implementation: a single-level quote pegged to the book mid price and
// skewed by inventory, in the spirit of the Avellaneda-Stoikov
// reservation price the teacher's internal/strategy/maker.go computed for
// Polymarket's binary markets. It exists so the engine has something to
// run end to end; spec.md treats the actual quoting algorithm as a
// pluggable seam, not a fixed behavior this package must get "right".
package strategy

import (
	"sync"

	"tradingengine/internal/disposition"
	"tradingengine/internal/money"
	"tradingengine/internal/orderbook"
	"tradingengine/internal/orders"
)

// PeggedConfig parameterizes Pegged's quote placement.
type PeggedConfig struct {
	// HalfSpread is added to (ask) and subtracted from (bid) the skewed
	// mid price to get each side's quote.
	HalfSpread money.Decimal
	// Amount is the resting size quoted on each side.
	Amount money.Decimal
	// InventorySkew scales how far the reservation price moves away from
	// mid per unit of open position, mirroring the Avellaneda-Stoikov
	// q*gamma*sigma^2*T term without requiring a volatility estimate.
	InventorySkew money.Decimal
}

// Pegged quotes one level on each side of the book, skewed toward
// flattening the account's current position: the more inventory it
// holds, the further its same-side quote backs away from mid.
type Pegged struct {
	mu     sync.Mutex
	cfg    PeggedConfig
	filled money.Decimal
}

func NewPegged(cfg PeggedConfig) *Pegged {
	return &Pegged{cfg: cfg}
}

func (p *Pegged) ComputeTradingContext(book *orderbook.Book, position money.Decimal) disposition.TradingContext {
	mid, ok := book.MidPrice()
	if !ok {
		return disposition.TradingContext{}
	}

	reservation := mid.Sub(position.Mul(p.cfg.InventorySkew))

	bidPrice := reservation.Sub(p.cfg.HalfSpread)
	askPrice := reservation.Add(p.cfg.HalfSpread)

	return disposition.TradingContext{
		Bids: []disposition.DesiredLevel{{Price: bidPrice, Amount: p.cfg.Amount}},
		Asks: []disposition.DesiredLevel{{Price: askPrice, Amount: p.cfg.Amount}},
	}
}

func (p *Pegged) HandleOrderFill(order *orders.Order, fill orders.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled = p.filled.Add(fill.Amount)
}
