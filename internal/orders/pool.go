package orders

import (
	"sync"

	"tradingengine/internal/money"
)

// Pool is the concurrency-safe registry of live orders, indexed both by
// the client-assigned id (known from the moment an order is created) and
// the exchange-assigned id (known only once the venue acknowledges it).
// It mirrors the teacher's map-plus-RWMutex idiom (engine.Engine.slots,
// risk.Manager's per-market maps) but scopes the lock narrowly around
// each map access rather than around whole request handlers.
type Pool struct {
	mu         sync.RWMutex
	byClientId map[money.ClientOrderId]*Order
	byExchange map[money.ExchangeOrderId]*Order
}

func NewPool() *Pool {
	return &Pool{
		byClientId: make(map[money.ClientOrderId]*Order),
		byExchange: make(map[money.ExchangeOrderId]*Order),
	}
}

// Add registers a newly created order under its client id.
func (p *Pool) Add(o *Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byClientId[o.Header.ClientOrderId] = o
}

// LinkExchangeId indexes an already-registered order under its
// venue-assigned id, once known. Safe to call more than once with the
// same id.
func (p *Pool) LinkExchangeId(o *Order, exchangeId money.ExchangeOrderId) {
	o.SetExchangeOrderId(exchangeId)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byExchange[exchangeId] = o
}

func (p *Pool) ByClientId(id money.ClientOrderId) (*Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.byClientId[id]
	return o, ok
}

func (p *Pool) ByExchangeId(id money.ExchangeOrderId) (*Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.byExchange[id]
	return o, ok
}

// Remove drops an order from both indices. Call once an order reaches a
// finished status and has been persisted/reported.
func (p *Pool) Remove(o *Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byClientId, o.Header.ClientOrderId)
	if o.Simple.ExchangeOrderId != "" {
		delete(p.byExchange, o.Simple.ExchangeOrderId)
	}
}

// NotFinished returns every order currently tracked whose status is not
// yet terminal, used by engine shutdown to drive a final cancel-all sweep.
func (p *Pool) NotFinished() []*Order {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Order, 0, len(p.byClientId))
	for _, o := range p.byClientId {
		o.mu.Lock()
		finished := o.Simple.Status.IsFinished()
		o.mu.Unlock()
		if !finished {
			out = append(out, o)
		}
	}
	return out
}

// ForMarketAccount returns every tracked order (finished or not) for the
// given market account.
func (p *Pool) ForMarketAccount(id money.MarketAccountId) []*Order {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Order, 0)
	for _, o := range p.byClientId {
		if o.Header.MarketAccountId() == id {
			out = append(out, o)
		}
	}
	return out
}
