package pnl

import (
	"testing"
	"time"

	"tradingengine/internal/money"
)

type fixedConverter struct {
	usd money.Decimal
	ok  bool
}

func (f fixedConverter) ConvertToUsd(currency string, amount money.Decimal) (money.Decimal, bool) {
	if !f.ok {
		return money.Zero, false
	}
	return amount, true // 1:1 passthrough for the test currency
}

func TestAccumulatorSumsWithinWindow(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Hour)

	a.AddBalanceChange(BalanceChange{Date: time.Now(), CurrencyCode: "USD", BalanceChange: money.FromFloat(-8)})
	a.AddBalanceChange(BalanceChange{Date: time.Now(), CurrencyCode: "USD", BalanceChange: money.FromFloat(-3)})

	total := a.CalculateOverMarketUsdChange(fixedConverter{ok: true})
	if !total.Equal(money.FromFloat(-11)) {
		t.Fatalf("expected -11, got %s", total.String())
	}
}

// S5 — an event older than max_period is excluded from the rolling sum,
// so a breach that has aged out no longer counts against the account.
func TestAccumulatorDropsExpiredEntries(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Hour)

	a.AddBalanceChange(BalanceChange{Date: time.Now().Add(-2 * time.Hour), CurrencyCode: "USD", BalanceChange: money.FromFloat(-8)})
	a.AddBalanceChange(BalanceChange{Date: time.Now(), CurrencyCode: "USD", BalanceChange: money.FromFloat(-3)})

	total := a.CalculateOverMarketUsdChange(fixedConverter{ok: true})
	if !total.Equal(money.FromFloat(-3)) {
		t.Fatalf("expected -3 (expired -8 excluded), got %s", total.String())
	}

	if len(a.Snapshot()) != 1 {
		t.Fatalf("expected expired entry pruned from backing slice, got %d entries", len(a.Snapshot()))
	}
}

func TestAccumulatorFallsBackToRecordedUsdOnMissingPrice(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(time.Hour)
	a.AddBalanceChange(BalanceChange{Date: time.Now(), CurrencyCode: "USD", BalanceChange: money.FromFloat(-5), UsdBalanceChange: money.FromFloat(-5)})

	total := a.CalculateOverMarketUsdChange(fixedConverter{ok: false})
	if !total.Equal(money.FromFloat(-5)) {
		t.Fatalf("expected fallback to recorded usd value, got %s", total.String())
	}
}
