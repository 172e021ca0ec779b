package disposition

import (
	"context"
	"log/slog"
	"time"

	"tradingengine/internal/balance"
	"tradingengine/internal/blocker"
	"tradingengine/internal/exchange"
	"tradingengine/internal/money"
	"tradingengine/internal/orderbook"
	"tradingengine/internal/orders"
	"tradingengine/internal/symbol"
)

// recomputeGuard is how fresh a book event must be for the executor to
// recompute its trading context from it — spec.md §4.9: "only if the
// event is fresher than now − 50ms", otherwise it is counted as skipped
// so a strategy never quotes off a stale snapshot of a burst of events.
const recomputeGuard = 50 * time.Millisecond

// Event is one occurrence the executor's reactor consumes. Time is always
// set; of the rest, exactly one of BookUpdated, OrderFilled (together with
// Fill) or OrderDone is set.
type Event struct {
	Time        time.Time
	BookUpdated bool
	OrderFilled *orders.Order
	Fill        orders.Fill
	OrderDone   *orders.Order // Completed/Canceled/FailedToCreate/FailedToCancel
}

// Executor is the single-threaded reactor for one (venue, currency pair)
// market: it owns the current resting order set, diffs it against the
// strategy's latest TradingContext, and drives the difference via
// Facade.CreateOrder/CancelOrder. Per spec.md §5, exactly one goroutine
// ever calls Run for a given Executor, so no internal locking is needed.
type Executor struct {
	account money.ExchangeAccountId
	pair    money.CurrencyPair
	sym     symbol.Symbol

	facade   *exchange.Facade
	balances *balance.Tree
	blocker  *blocker.Blocker
	book     *orderbook.Book
	strategy Strategy

	slots      map[orders.Side][]*Slot
	lastCtx    TradingContext
	lastCtxSet bool

	skippedStale int

	logger *slog.Logger
}

func NewExecutor(
	account money.ExchangeAccountId,
	pair money.CurrencyPair,
	sym symbol.Symbol,
	facade *exchange.Facade,
	balances *balance.Tree,
	blk *blocker.Blocker,
	book *orderbook.Book,
	strategy Strategy,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		account:  account,
		pair:     pair,
		sym:      sym,
		facade:   facade,
		balances: balances,
		blocker:  blk,
		book:     book,
		strategy: strategy,
		slots:    map[orders.Side][]*Slot{orders.Buy: {}, orders.Sell: {}},
		logger:   logger.With("component", "disposition", "account", account.String(), "pair", pair.String()),
	}
}

// Run consumes events until ctx is cancelled. It is the only goroutine
// that may touch e's slot state, satisfying spec.md §5's "strategy and
// slot-synchronization are single-threaded per market" rule.
func (e *Executor) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Executor) handle(ctx context.Context, ev Event) {
	switch {
	case ev.BookUpdated:
		if time.Since(ev.Time) >= recomputeGuard {
			e.skippedStale++
			return
		}
		e.recompute(ctx)
	case ev.OrderFilled != nil:
		e.strategy.HandleOrderFill(ev.OrderFilled, ev.Fill)
		e.recompute(ctx)
	case ev.OrderDone != nil:
		e.forgetOrder(ev.OrderDone)
	}
}

func (e *Executor) recompute(ctx context.Context) {
	pos := e.balances.Position(money.MarketAccountId{ExchangeAccountId: e.account, CurrencyPair: e.pair})
	next := e.strategy.ComputeTradingContext(e.book, pos.Amount)

	if e.lastCtxSet && e.lastCtx.Equal(next) {
		return
	}
	e.lastCtx = next
	e.lastCtxSet = true
	e.synchronizePriceSlots(ctx)
}

// forgetOrder removes a finished order from whichever slot holds it.
func (e *Executor) forgetOrder(o *orders.Order) {
	for _, slotList := range e.slots {
		for _, s := range slotList {
			s.RemoveOrder(o.Header.ClientOrderId)
		}
	}
}

func (e *Executor) slotAt(side orders.Side, index int) *Slot {
	list := e.slots[side]
	for len(list) <= index {
		list = append(list, NewSlot(side, len(list)))
	}
	e.slots[side] = list
	return list[index]
}

// synchronizePriceSlots implements spec.md §4.9's five-step algorithm
// per slot, across both sides, to the full depth of the latest
// TradingContext.
func (e *Executor) synchronizePriceSlots(ctx context.Context) {
	for _, side := range []orders.Side{orders.Buy, orders.Sell} {
		depth := e.lastCtx.Depth(side)
		existing := len(e.slots[side])
		if depth < existing {
			depth = existing
		}
		for i := 0; i < depth; i++ {
			e.synchronizeSlot(ctx, e.slotAt(side, i), e.lastCtx.LevelFor(side, i))
		}
	}
}

func (e *Executor) synchronizeSlot(ctx context.Context, slot *Slot, desired DesiredLevel) {
	slot.Desired = desired

	// Step 1: venue-wide block cancels everything outstanding.
	if e.blocker.IsBlocked(e.account) {
		e.cancelAll(ctx, slot)
		return
	}

	// Step 2: desired intent withdrawn.
	if desired.Amount.IsZero() && !slot.IsEmpty() {
		e.cancelAll(ctx, slot)
		return
	}
	if desired.Amount.IsZero() {
		return
	}

	if slot.samePrice(desired.Price) {
		// Step 3: same price, reconcile amount.
		remaining := slot.RemainingAmount()
		if remaining.GreaterThanOrEqual(desired.Amount.Mul(tolerance)) {
			e.trimToTolerance(ctx, slot, desired.Amount)
		} else {
			need := desired.Amount.Sub(remaining)
			e.tryCreateOrder(ctx, slot, need, desired)
		}
		return
	}

	// Step 4: price moved and the slot still holds stale orders.
	if !slot.IsEmpty() {
		e.cancelAll(ctx, slot)
		return
	}

	// Step 5: price moved, slot already empty — quote the new price.
	e.tryCreateOrder(ctx, slot, desired.Amount, desired)
}

// trimToTolerance cancels the smallest-amount orders in slot until its
// remaining amount is back within tolerance of target.
func (e *Executor) trimToTolerance(ctx context.Context, slot *Slot, target money.Decimal) {
	// Cancels are asynchronous, so a cancelled order stays in the slot for
	// now; track the amount that will remain once they land instead.
	remaining := slot.RemainingAmount()
	for _, o := range slot.SmallestOrders() {
		if remaining.LessThan(target.Mul(tolerance)) {
			return
		}
		e.cancelOrder(ctx, slot, o)
		remaining = remaining.Sub(o.RemainingAmount())
	}
}

func (e *Executor) cancelAll(ctx context.Context, slot *Slot) {
	for _, o := range slot.SmallestOrders() {
		e.cancelOrder(ctx, slot, o)
	}
}

// cancelOrder marks the order as cancellation-requested and drives the
// cancel asynchronously so a slow venue round-trip never blocks the
// reactor; repeated requests for the same order are no-ops, mirroring
// the facade's per-client-id cancellation rendezvous.
func (e *Executor) cancelOrder(ctx context.Context, slot *Slot, o *orders.Order) {
	var alreadyCanceling bool
	o.WithLock(func(o *orders.Order) {
		alreadyCanceling = o.Internal.IsCanceling
		o.Internal.IsCanceling = true
	})
	if alreadyCanceling {
		return
	}

	go func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.facade.CancelOrder(cancelCtx, o); err != nil {
			e.logger.Warn("cancel order failed", "client_order_id", o.Header.ClientOrderId, "error", err)
		}
	}()
}

// tryCreateOrder implements spec.md §4.9's reserve-then-request-then-
// submit protocol: balance is reserved before the venue ever sees the
// request, so a rejected reservation never reaches the rate limiter or
// the wire.
func (e *Executor) tryCreateOrder(ctx context.Context, slot *Slot, amount money.Decimal, desired DesiredLevel) {
	amount = e.clampAmount(slot.Side, amount, desired.HighPriorityAmount)
	if amount.Sign() <= 0 {
		return
	}
	if e.crosses(slot.Side, desired.Price) {
		e.logger.Warn("skipping create: would cross opposite side", "side", slot.Side.String(), "price", desired.Price.String())
		return
	}

	reserveCurrency, reserveAmount := e.reservationFor(slot.Side, desired.Price, amount)
	clientOrderId := money.NewClientOrderId("disposition")

	res, err := e.balances.TryReserve(e.account, reserveCurrency, reserveAmount, clientOrderId)
	if err != nil {
		e.logger.Warn("cannot reserve balance for new order", "error", err)
		return
	}

	header := orders.Header{
		ClientOrderId:     clientOrderId,
		ExchangeAccountId: e.account,
		CurrencyPair:      e.pair,
		OrderType:         orders.Limit,
		Side:              slot.Side,
		Amount:            amount,
		ReservationId:     res.Id,
		StrategyName:      "disposition",
		SignalId:          desired.SignalId,
	}

	order, err := e.facade.CreateOrder(ctx, header, desired.Price)
	if err != nil {
		if unresErr := e.balances.UnreserveRest(res.Id); unresErr != nil {
			e.logger.Warn("failed to release reservation after create failure", "error", unresErr)
		}
		e.logger.Warn("create order failed", "error", err)
		return
	}

	if err := e.balances.ApproveReservation(res.Id); err != nil {
		e.logger.Warn("failed to approve reservation", "error", err)
	}
	slot.AddOrder(order)
}

// reservationFor picks the currency and amount try_reserve must debit:
// a buy reserves quote notional (price*amount), a sell reserves the base
// amount itself.
func (e *Executor) reservationFor(side orders.Side, price, amount money.Decimal) (string, money.Decimal) {
	if side == orders.Buy {
		return e.pair.Quote, price.Mul(amount)
	}
	return e.pair.Base, amount
}

// clampAmount implements spec.md §4.9's amount calculation: new_amount =
// min(desired, max_amount − total_remaining_side_amount) − high_priority,
// clamped to >= 0.
func (e *Executor) clampAmount(side orders.Side, desired, highPriority money.Decimal) money.Decimal {
	maxAmount := e.sym.MaxAmount
	if !maxAmount.IsZero() {
		totalSide := money.Zero
		for _, s := range e.slots[side] {
			totalSide = totalSide.Add(s.RemainingAmount())
		}
		headroom := maxAmount.Sub(totalSide)
		if desired.GreaterThan(headroom) {
			desired = headroom
		}
	}
	result := desired.Sub(highPriority)
	if result.Sign() < 0 {
		return money.Zero
	}
	return e.sym.RoundAmount(result)
}

// crosses implements the crossing guard: before creating an order at
// price on side, search the opposite side's slots for a not-yet-finished
// order whose price would cross it, so the executor never self-trades.
func (e *Executor) crosses(side orders.Side, price money.Decimal) bool {
	opposite := side.Opposite()
	for _, s := range e.slots[opposite] {
		for _, o := range s.Orders {
			var finished bool
			var oPrice money.Decimal
			o.WithLock(func(o *orders.Order) {
				finished = o.Simple.Status.IsFinished()
				oPrice = o.Simple.Price
			})
			if finished {
				continue
			}
			if side == orders.Buy && price.GreaterThanOrEqual(oPrice) {
				return true
			}
			if side == orders.Sell && price.LessThanOrEqual(oPrice) {
				return true
			}
		}
	}
	return false
}

// SkippedStaleEvents returns how many book events were dropped for
// arriving ≥ recomputeGuard after their event time, a diagnostic for the
// engine's metrics surface.
func (e *Executor) SkippedStaleEvents() int {
	return e.skippedStale
}
