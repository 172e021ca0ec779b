// Package pnl tracks rolling-window USD profit and loss per exchange
// account and trips the account's ProfitLossExceeded block when losses
// exceed a configured limit.
//
// Grounded on the teacher's internal/strategy/flow_tracker.go (a
// time-ordered ring of events pruned lazily at query time against a
// rolling window) for the accumulator's shape, and the teacher's
// internal/risk.Manager (kill-switch + cooldown, idempotent re-block
// guard) for the stopper's block/unblock idempotence. Exact check()
// semantics follow original_source/core/src/balance_changes/
// profit_loss_stopper.rs.
package pnl

import (
	"sync"
	"time"

	"tradingengine/internal/money"
)

// BalanceChange is one fill's USD-valued effect on an account's P&L,
// spec.md §3's ProfitLossBalanceChange.
type BalanceChange struct {
	Id              uint64
	ClientOrderFillId string
	Date            time.Time
	Account         money.ExchangeAccountId
	MarketAccountId money.MarketAccountId
	CurrencyCode    string
	BalanceChange   money.Decimal
	UsdPriceAtEvent money.Decimal
	UsdBalanceChange money.Decimal
}

// Accumulator keeps every BalanceChange for one account within a rolling
// window of MaxPeriod, discarding older entries lazily at query time
// rather than on a timer (so a quiet account costs nothing to maintain).
type Accumulator struct {
	mu        sync.Mutex
	maxPeriod time.Duration
	changes   []BalanceChange
	nextId    uint64
}

func NewAccumulator(maxPeriod time.Duration) *Accumulator {
	return &Accumulator{maxPeriod: maxPeriod}
}

// AddBalanceChange appends one USD-valued change to the window.
func (a *Accumulator) AddBalanceChange(c BalanceChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextId++
	c.Id = a.nextId
	a.changes = append(a.changes, c)
}

// UsdConverter supplies the current USD value of an amount denominated in
// currency, used to revalue every still-open event "over market" rather
// than at its original recorded price.
type UsdConverter interface {
	ConvertToUsd(currency string, amount money.Decimal) (money.Decimal, bool)
}

// CalculateOverMarketUsdChange sums the USD value of every change within
// the rolling window, recomputing each one against the current market
// price via converter instead of trusting the value recorded at event
// time — this is what lets the accumulator reflect unrealized P&L
// movement on positions that are still open. Entries older than
// maxPeriod are dropped from the backing slice as a side effect.
func (a *Accumulator) CalculateOverMarketUsdChange(converter UsdConverter) money.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.maxPeriod)
	kept := a.changes[:0]
	total := money.Zero
	for _, c := range a.changes {
		if c.Date.Before(cutoff) {
			continue
		}
		kept = append(kept, c)

		usd, ok := converter.ConvertToUsd(c.CurrencyCode, c.BalanceChange)
		if !ok {
			usd = c.UsdBalanceChange
		}
		total = total.Add(usd)
	}
	a.changes = kept
	return total
}

// Snapshot returns a copy of every change currently retained, for
// diagnostics and tests.
func (a *Accumulator) Snapshot() []BalanceChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]BalanceChange, len(a.changes))
	copy(out, a.changes)
	return out
}
