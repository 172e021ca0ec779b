// Package balance tracks free/reserved currency balances per exchange
// account and open positions per market account, plus the reservation
// lifecycle that ties an order to the balance it consumes.
//
// Grounded on the teacher's internal/strategy/inventory.go (mutex-guarded
// position struct, avg-entry/realized-PnL math) for position tracking,
// generalized from a binary YES/NO exposure to an arbitrary CurrencyPair;
// and on original_source/core/src/misc/service_value_tree.rs for the
// reserve/approve/unreserve shape.
package balance

import (
	"fmt"
	"sync"
	"time"

	"tradingengine/internal/money"
)

// Reservation holds a slice of an account's free balance set aside for
// one pending order. It is consumed (wholly or partly) as fills arrive
// and released back to free balance when the order finishes.
type Reservation struct {
	Id            money.ReservationId
	Account       money.ExchangeAccountId
	Currency      string
	Amount        money.Decimal
	ClientOrderId money.ClientOrderId
	Approved      bool
}

// Position is one market account's open exposure, generalized from the
// teacher's YES/NO-qty Position to an arbitrary currency pair and, for
// derivatives, a signed contract count.
type Position struct {
	MarketAccountId money.MarketAccountId
	Amount          money.Decimal // positive = long, negative = short
	AvgEntryPrice   money.Decimal
	RealizedPnL     money.Decimal
	UnrealizedPnL   money.Decimal
	LastUpdated     time.Time
}

// Tree is the concurrency-safe balance registry for every account the
// engine trades on.
type Tree struct {
	mu           sync.Mutex
	free         map[money.ExchangeAccountId]map[string]money.Decimal
	reservations map[money.ReservationId]*Reservation
	positions    map[money.MarketAccountId]*Position
	attribution  *AttributionTree
}

func NewTree() *Tree {
	return &Tree{
		free:         make(map[money.ExchangeAccountId]map[string]money.Decimal),
		reservations: make(map[money.ReservationId]*Reservation),
		positions:    make(map[money.MarketAccountId]*Position),
		attribution:  NewAttributionTree(),
	}
}

// Attribution returns the nested per-strategy accounting tree kept
// alongside the real per-account free balance above. See AttributionTree's
// doc comment for why the two are separate structures.
func (t *Tree) Attribution() *AttributionTree {
	return t.attribution
}

// ApplyBalanceDelta adds delta (positive or negative) to an account's free
// balance for currency, the primitive RecordFill uses to post a fill's
// base/quote/commission legs individually rather than through the single
// aggregate move ApplyFill already performs for position tracking.
func (t *Tree) ApplyBalanceDelta(account money.ExchangeAccountId, currency string, delta money.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureAccountLocked(account)
	t.free[account][currency] = t.free[account][currency].Add(delta)
}

// SetBalance overwrites the free balance of one currency for one account,
// as reported by a balance-snapshot poll.
func (t *Tree) SetBalance(account money.ExchangeAccountId, currency string, amount money.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureAccountLocked(account)
	t.free[account][currency] = amount
}

func (t *Tree) ensureAccountLocked(account money.ExchangeAccountId) {
	if _, ok := t.free[account]; !ok {
		t.free[account] = make(map[string]money.Decimal)
	}
}

// GetBalance returns the current free balance of currency for account.
func (t *Tree) GetBalance(account money.ExchangeAccountId, currency string) money.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if balances, ok := t.free[account]; ok {
		return balances[currency]
	}
	return money.Zero
}

// TryReserve attempts to set aside amount of currency from account's free
// balance. It fails if the free balance is insufficient.
func (t *Tree) TryReserve(account money.ExchangeAccountId, currency string, amount money.Decimal, clientOrderId money.ClientOrderId) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureAccountLocked(account)

	have := t.free[account][currency]
	if have.LessThan(amount) {
		return nil, fmt.Errorf("balance: insufficient %s balance: have %s, need %s", currency, have, amount)
	}

	t.free[account][currency] = have.Sub(amount)
	res := &Reservation{
		Id:            money.NewReservationId(),
		Account:       account,
		Currency:      currency,
		Amount:        amount,
		ClientOrderId: clientOrderId,
	}
	t.reservations[res.Id] = res
	return res, nil
}

// ApproveReservation marks a reservation as backing an order the venue
// has accepted. It does not itself move balance; it only sets the
// reservation's Approved flag.
func (t *Tree) ApproveReservation(id money.ReservationId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.reservations[id]
	if !ok {
		return fmt.Errorf("balance: unknown reservation %d", id)
	}
	res.Approved = true
	return nil
}

// OrderWasFilled consumes filledAmount of currency out of the reservation
// permanently (it left the account as part of the trade) rather than
// returning it to free balance.
func (t *Tree) OrderWasFilled(id money.ReservationId, filledAmount money.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.reservations[id]
	if !ok {
		return fmt.Errorf("balance: unknown reservation %d", id)
	}
	if filledAmount.GreaterThan(res.Amount) {
		filledAmount = res.Amount
	}
	res.Amount = res.Amount.Sub(filledAmount)
	return nil
}

// UnreserveRest releases whatever remains of a reservation back to the
// account's free balance and forgets the reservation, used once an order
// reaches a finished status.
func (t *Tree) UnreserveRest(id money.ReservationId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.reservations[id]
	if !ok {
		return fmt.Errorf("balance: unknown reservation %d", id)
	}

	t.ensureAccountLocked(res.Account)
	t.free[res.Account][res.Currency] = t.free[res.Account][res.Currency].Add(res.Amount)
	delete(t.reservations, id)
	return nil
}

// UnreserveByClientOrderId looks up the reservation for a client order id
// and releases its remainder, a convenience for callers that track orders
// but not raw reservation ids.
func (t *Tree) UnreserveByClientOrderId(clientOrderId money.ClientOrderId) error {
	t.mu.Lock()
	var id money.ReservationId
	found := false
	for rid, res := range t.reservations {
		if res.ClientOrderId == clientOrderId {
			id = rid
			found = true
			break
		}
	}
	t.mu.Unlock()

	if !found {
		return fmt.Errorf("balance: no reservation for client order %s", clientOrderId)
	}
	return t.UnreserveRest(id)
}

// SetPosition overwrites the tracked position for a market account, used
// at startup to seed from a venue snapshot.
func (t *Tree) SetPosition(pos Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos.LastUpdated = time.Now()
	p := pos
	t.positions[pos.MarketAccountId] = &p
}

// Position returns a copy of the tracked position for a market account,
// or the zero value if none is tracked yet.
func (t *Tree) Position(id money.MarketAccountId) Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[id]; ok {
		return *p
	}
	return Position{MarketAccountId: id}
}

func (t *Tree) positionRefLocked(id money.MarketAccountId) *Position {
	p, ok := t.positions[id]
	if !ok {
		p = &Position{MarketAccountId: id}
		t.positions[id] = p
	}
	return p
}
