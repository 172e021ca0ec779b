package orders

import (
	"testing"

	"tradingengine/internal/money"
)

func TestPoolAddAndLookup(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	o := NewOrder(testHeader())
	pool.Add(o)

	got, ok := pool.ByClientId(o.Header.ClientOrderId)
	if !ok || got != o {
		t.Fatal("expected order to be found by client id")
	}

	pool.LinkExchangeId(o, "ex-1")
	got, ok = pool.ByExchangeId("ex-1")
	if !ok || got != o {
		t.Fatal("expected order to be found by exchange id")
	}
}

func TestPoolRemove(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	o := NewOrder(testHeader())
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	pool.Remove(o)

	if _, ok := pool.ByClientId(o.Header.ClientOrderId); ok {
		t.Error("expected order to be removed from client index")
	}
	if _, ok := pool.ByExchangeId("ex-1"); ok {
		t.Error("expected order to be removed from exchange index")
	}
}

func TestPoolNotFinished(t *testing.T) {
	t.Parallel()
	pool := NewPool()

	active := NewOrder(testHeader())
	pool.Add(active)

	done := NewOrder(testHeader())
	done.Simple.Status = Canceled
	pool.Add(done)

	notFinished := pool.NotFinished()
	if len(notFinished) != 1 || notFinished[0] != active {
		t.Fatalf("expected only the active order, got %d results", len(notFinished))
	}
}

func TestPoolForMarketAccount(t *testing.T) {
	t.Parallel()
	pool := NewPool()

	h1 := testHeader()
	o1 := NewOrder(h1)
	pool.Add(o1)

	h2 := testHeader()
	h2.CurrencyPair = money.NewCurrencyPair("ETH", "USDT")
	o2 := NewOrder(h2)
	pool.Add(o2)

	matches := pool.ForMarketAccount(h1.MarketAccountId())
	if len(matches) != 1 || matches[0] != o1 {
		t.Fatalf("expected 1 match for %v, got %d", h1.MarketAccountId(), len(matches))
	}
}
