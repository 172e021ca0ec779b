package orderbook

import (
	"testing"
	"time"

	"tradingengine/internal/money"
)

func testMarket() money.MarketId {
	return money.MarketId{ExchangeId: "binance", CurrencyPair: money.NewCurrencyPair("BTC", "USDT")}
}

func TestApplySnapshotSortsAndDropsZero(t *testing.T) {
	t.Parallel()
	b := NewBook(testMarket())

	b.ApplySnapshot(
		[]Level{
			{Price: money.FromFloat(100), Amount: money.FromFloat(1)},
			{Price: money.FromFloat(102), Amount: money.FromFloat(1)},
			{Price: money.FromFloat(101), Amount: money.Zero},
		},
		[]Level{
			{Price: money.FromFloat(105), Amount: money.FromFloat(1)},
			{Price: money.FromFloat(103), Amount: money.FromFloat(1)},
		},
	)

	bids := b.Bids()
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids (zero-amount dropped), got %d", len(bids))
	}
	if !bids[0].Price.Equal(money.FromFloat(102)) {
		t.Errorf("expected best bid 102, got %s", bids[0].Price)
	}

	asks := b.Asks()
	if !asks[0].Price.Equal(money.FromFloat(103)) {
		t.Errorf("expected best ask 103, got %s", asks[0].Price)
	}
}

func TestApplyDeltaMergesAndRemoves(t *testing.T) {
	t.Parallel()
	b := NewBook(testMarket())
	b.ApplySnapshot(
		[]Level{{Price: money.FromFloat(100), Amount: money.FromFloat(1)}},
		[]Level{{Price: money.FromFloat(101), Amount: money.FromFloat(1)}},
	)

	b.ApplyDelta(
		[]Level{
			{Price: money.FromFloat(100), Amount: money.Zero},
			{Price: money.FromFloat(99), Amount: money.FromFloat(2)},
		},
		nil,
	)

	bids := b.Bids()
	if len(bids) != 1 {
		t.Fatalf("expected 1 bid after delta, got %d", len(bids))
	}
	if !bids[0].Price.Equal(money.FromFloat(99)) {
		t.Errorf("expected remaining bid at 99, got %s", bids[0].Price)
	}
}

func TestBestBidAskAndMidPrice(t *testing.T) {
	t.Parallel()
	b := NewBook(testMarket())

	if _, _, ok := b.BestBidAsk(); ok {
		t.Error("expected empty book to report not-ok")
	}

	b.ApplySnapshot(
		[]Level{{Price: money.FromFloat(100), Amount: money.FromFloat(1)}},
		[]Level{{Price: money.FromFloat(102), Amount: money.FromFloat(1)}},
	)

	bid, ask, ok := b.BestBidAsk()
	if !ok || !bid.Equal(money.FromFloat(100)) || !ask.Equal(money.FromFloat(102)) {
		t.Fatalf("unexpected best bid/ask: %s/%s ok=%v", bid, ask, ok)
	}

	mid, ok := b.MidPrice()
	if !ok || !mid.Equal(money.FromFloat(101)) {
		t.Fatalf("expected mid 101, got %s ok=%v", mid, ok)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := NewBook(testMarket())

	if !b.IsStale(time.Second) {
		t.Error("expected never-updated book to be stale")
	}

	b.ApplySnapshot(nil, nil)
	if b.IsStale(time.Minute) {
		t.Error("expected freshly updated book to not be stale")
	}
}

func TestStoreGetOrCreate(t *testing.T) {
	t.Parallel()
	store := NewStore()
	m := testMarket()

	b1 := store.GetOrCreate(m)
	b2 := store.GetOrCreate(m)
	if b1 != b2 {
		t.Error("expected GetOrCreate to return the same Book instance")
	}

	if _, ok := store.Get(m); !ok {
		t.Error("expected registered market to be found")
	}

	store.Remove(m)
	if _, ok := store.Get(m); ok {
		t.Error("expected removed market to no longer be found")
	}
}
