package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradingengine/internal/config"
	"tradingengine/internal/disposition"
	"tradingengine/internal/exchange"
	"tradingengine/internal/money"
	"tradingengine/internal/orderbook"
	"tradingengine/internal/orders"
)

type noopRecorder struct{}

func (noopRecorder) Save(table string, event any) error     { return nil }
func (noopRecorder) FlushAndStop(ctx context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		DryRun: true,
		Venues: []config.VenueConfig{
			{ExchangeId: "binance", RestBaseURL: "https://example.invalid", WSMarketURL: "wss://example.invalid"},
		},
		Pairs: []config.PairConfig{
			{ExchangeId: "binance", Base: "BTC", Quote: "USDT", PriceTick: "0.01", AmountTick: "0.0001", StrategyName: "mm-1"},
		},
		ProfitLoss: config.ProfitLossConfig{Limit: "1000", Period: time.Minute, TargetMarket: "BTC/USDT"},
		Events:     config.EventsConfig{FallbackDir: "unused-by-engine"},
	}
}

// noopStrategy satisfies disposition.Strategy without quoting anything;
// the tests below drive RecordFill directly rather than through Run.
type noopStrategy struct{}

func (noopStrategy) ComputeTradingContext(book *orderbook.Book, position money.Decimal) disposition.TradingContext {
	return disposition.TradingContext{}
}
func (noopStrategy) HandleOrderFill(*orders.Order, orders.Fill) {}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	strategies := func(account money.ExchangeAccountId, pair money.CurrencyPair) disposition.Strategy {
		return noopStrategy{}
	}
	e, err := New(testConfig(), noopRecorder{}, strategies, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestRecordFillDebitsCommissionAndPublishesOrderEvent(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	account := money.ExchangeAccountId{ExchangeId: "binance"}
	pair := money.NewCurrencyPair("BTC", "USDT")

	header := orders.Header{
		ClientOrderId:     money.NewClientOrderId("test"),
		ExchangeAccountId: account,
		CurrencyPair:      pair,
		OrderType:         orders.Limit,
		Side:              orders.Buy,
		Amount:            money.FromFloat(5),
		StrategyName:      "mm-1",
	}
	o := orders.NewOrder(header)
	e.pool.Add(o)
	e.pool.LinkExchangeId(o, "ex-1")
	o.WithLock(func(o *orders.Order) { o.Simple.Status = orders.Created })

	id, ch, ok := e.Subscribe(account)
	if !ok {
		t.Fatal("expected to subscribe to venue bus")
	}
	defer e.Unsubscribe(account, id)

	e.RecordFill("ex-1", orders.Fill{
		TradeId:            "t1",
		Price:              money.FromFloat(0.5),
		Amount:             money.FromFloat(5),
		Commission:         money.FromFloat(0.025),
		CommissionCurrency: "USDT",
		Time:               time.Now(),
	})

	gotBase := e.balances.GetBalance(account, "BTC")
	if !gotBase.Equal(money.FromFloat(5)) {
		t.Errorf("expected base balance 5, got %s", gotBase)
	}
	gotQuote := e.balances.GetBalance(account, "USDT")
	if !gotQuote.Equal(money.FromFloat(-2.525)) {
		t.Errorf("expected quote balance -2.525 (notional + commission), got %s", gotQuote)
	}

	select {
	case ev := <-ch:
		if ev.Kind != exchange.KindOrder {
			t.Fatalf("expected an order event, got kind %v", ev.Kind)
		}
		if ev.Order.Type != orders.EventFilled {
			t.Fatalf("expected EventFilled, got %s", ev.Order.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for order event on venue bus")
	}

	var mr *marketRuntime
	for _, m := range e.markets {
		if m.account == account && m.pair == pair {
			mr = m
		}
	}
	if mr == nil {
		t.Fatal("expected a market runtime for binance BTC/USDT")
	}
	select {
	case de := <-mr.events:
		if de.OrderFilled == nil {
			t.Fatal("expected OrderFilled populated on the market's event channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disposition event on market channel")
	}
}
