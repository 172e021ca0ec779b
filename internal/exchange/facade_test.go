package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradingengine/internal/blocker"
	"tradingengine/internal/money"
	"tradingengine/internal/orders"
	"tradingengine/internal/ratelimit"
)

type fakeRest struct {
	createResp CreateOrderResponse
	createErr  error
	cancelResp CancelOrderResponse
	cancelErr  error
	balances   []BalanceEntry

	mu           sync.Mutex
	orderInfo    OrderInfo
	orderInfoErr error
	orderInfoCalls atomic.Int64

	balanceFailures int
	balanceCalls    atomic.Int64

	createHangs bool
}

func (f *fakeRest) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	if f.createHangs {
		<-ctx.Done()
		return CreateOrderResponse{}, ctx.Err()
	}
	return f.createResp, f.createErr
}

func (f *fakeRest) CancelOrder(ctx context.Context, exchangeId money.ExchangeOrderId) (CancelOrderResponse, error) {
	return f.cancelResp, f.cancelErr
}

func (f *fakeRest) GetOrderInfo(ctx context.Context, query OrderInfoQuery) (OrderInfo, error) {
	f.orderInfoCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderInfo, f.orderInfoErr
}

func (f *fakeRest) GetBalances(ctx context.Context) ([]BalanceEntry, error) {
	call := f.balanceCalls.Add(1)
	if int(call) <= f.balanceFailures {
		return nil, fmt.Errorf("transient balance error")
	}
	return f.balances, nil
}

func testAccount() money.ExchangeAccountId {
	return money.ExchangeAccountId{ExchangeId: "binance", Instance: 0}
}

func testFacade(rest RestClient) (*Facade, *orders.Pool) {
	pool := orders.NewPool()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := orders.NewHandlers(pool, log)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultGroups())
	blk := blocker.NewBlocker()
	return NewFacade(testAccount(), rest, pool, handlers, limiter, blk, log), pool
}

func testHeader() orders.Header {
	return orders.Header{
		ClientOrderId:     money.NewClientOrderId("test"),
		ExchangeAccountId: testAccount(),
		CurrencyPair:      money.NewCurrencyPair("BTC", "USDT"),
		OrderType:         orders.Limit,
		Side:              orders.Buy,
		Amount:            money.FromFloat(1),
	}
}

func TestFacadeCreateOrderSuccess(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{createResp: CreateOrderResponse{ExchangeOrderId: "ex-1", Accepted: true}}
	facade, pool := testFacade(rest)

	header := testHeader()
	order, err := facade.CreateOrder(context.Background(), header, money.FromFloat(100))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.Simple.Status != orders.Created {
		t.Errorf("expected Created, got %s", order.Simple.Status)
	}

	got, ok := pool.ByExchangeId("ex-1")
	if !ok || got != order {
		t.Error("expected order to be indexed by exchange id")
	}
}

func TestFacadeCreateOrderRejected(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{createResp: CreateOrderResponse{Accepted: false, RejectReason: "insufficient balance"}}
	facade, _ := testFacade(rest)

	order, err := facade.CreateOrder(context.Background(), testHeader(), money.FromFloat(100))
	if err == nil {
		t.Fatal("expected an error for a rejected order")
	}
	if order.Simple.Status != orders.FailedToCreate {
		t.Errorf("expected FailedToCreate, got %s", order.Simple.Status)
	}
}

func TestFacadeCreateOrderBlockedAccount(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{createResp: CreateOrderResponse{Accepted: true}}
	facade, _ := testFacade(rest)
	facade.blocker.Block(testAccount(), "test-block", blocker.Manual)

	if _, err := facade.CreateOrder(context.Background(), testHeader(), money.FromFloat(100)); err == nil {
		t.Fatal("expected blocked account to prevent order creation")
	}
}

func TestFacadeCancelOrderSuccess(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{
		createResp: CreateOrderResponse{ExchangeOrderId: "ex-1", Accepted: true},
		cancelResp: CancelOrderResponse{Accepted: true},
	}
	facade, _ := testFacade(rest)

	order, err := facade.CreateOrder(context.Background(), testHeader(), money.FromFloat(100))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if err := facade.CancelOrder(context.Background(), order); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if order.Simple.Status != orders.Canceled {
		t.Errorf("expected Canceled, got %s", order.Simple.Status)
	}
}

func TestFacadeWaitOrderFinishReturnsOnceFinished(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{createResp: CreateOrderResponse{ExchangeOrderId: "ex-1", Accepted: true}}
	facade, _ := testFacade(rest)

	order, err := facade.CreateOrder(context.Background(), testHeader(), money.FromFloat(100))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		order.WithLock(func(o *orders.Order) { o.Simple.Status = orders.Completed })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := facade.WaitOrderFinish(ctx, order)
	if err != nil {
		t.Fatalf("WaitOrderFinish failed: %v", err)
	}
	if status != orders.Completed {
		t.Errorf("expected Completed, got %s", status)
	}
}

func TestFacadeGetBalances(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{balances: []BalanceEntry{{Currency: "USDT", Free: money.FromFloat(100)}}}
	facade, _ := testFacade(rest)

	balances, err := facade.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	if len(balances) != 1 || balances[0].Currency != "USDT" {
		t.Errorf("unexpected balances: %+v", balances)
	}
}

func TestFacadeGetBalancesRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{
		balances:        []BalanceEntry{{Currency: "USDT", Free: money.FromFloat(100)}},
		balanceFailures: 3,
	}
	facade, _ := testFacade(rest)

	balances, err := facade.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances failed after retrying: %v", err)
	}
	if len(balances) != 1 {
		t.Errorf("unexpected balances: %+v", balances)
	}
	if rest.balanceCalls.Load() != 4 {
		t.Errorf("expected 4 attempts (3 failures + 1 success), got %d", rest.balanceCalls.Load())
	}
}

func TestFacadeGetBalancesFailsAfterExhaustingRetries(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{balanceFailures: balanceRetryCount}
	facade, _ := testFacade(rest)

	if _, err := facade.GetBalances(context.Background()); err == nil {
		t.Fatal("expected error after exhausting all retries")
	}
	if rest.balanceCalls.Load() != balanceRetryCount {
		t.Errorf("expected exactly %d attempts, got %d", balanceRetryCount, rest.balanceCalls.Load())
	}
}

func TestFacadeCreateOrderWatchdogPollWinsWhenRestHangs(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{
		createHangs: true,
		orderInfo:   OrderInfo{Found: true, ExchangeOrderId: "ex-watchdog", Status: "open"},
	}
	facade, pool := testFacade(rest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	order, err := facade.CreateOrder(ctx, testHeader(), money.FromFloat(100))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.Simple.Status != orders.Created {
		t.Errorf("expected Created, got %s", order.Simple.Status)
	}
	if _, ok := pool.ByExchangeId("ex-watchdog"); !ok {
		t.Error("expected order indexed by the watchdog poll's exchange id")
	}
}

// TestConcurrentWaitCancelOrderAppliesExactlyOnce exercises Testable
// Property #5 end to end through the facade: many concurrent
// WaitCancelOrder callers for the same order must rendezvous on a single
// worker and observe exactly one Canceled transition.
func TestConcurrentWaitCancelOrderAppliesExactlyOnce(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{
		createResp: CreateOrderResponse{ExchangeOrderId: "ex-1", Accepted: true},
		orderInfo:  OrderInfo{Found: true, FilledAmount: money.Zero},
	}
	facade, _ := testFacade(rest)

	order, err := facade.CreateOrder(context.Background(), testHeader(), money.FromFloat(100))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	sink := &cancelCountingSink{}
	facade.handlers.SetSink(sink)

	go func() {
		time.Sleep(50 * time.Millisecond)
		var exchangeId money.ExchangeOrderId
		order.WithLock(func(o *orders.Order) {
			o.Simple.Status = orders.Canceling
			exchangeId = o.Simple.ExchangeOrderId
		})
		facade.handlers.HandleCancelSucceeded(exchangeId, money.Zero, orders.SourceWebsocket)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	statuses := make([]orders.Status, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := facade.WaitCancelOrder(ctx, order)
			if err != nil {
				t.Errorf("WaitCancelOrder failed: %v", err)
				return
			}
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		if status != orders.Canceled {
			t.Errorf("caller %d: expected Canceled, got %s", i, status)
		}
	}
	if got := sink.cancelSucceeded.Load(); got != 1 {
		t.Errorf("expected exactly one CancelSucceeded event, got %d", got)
	}
}

// cancelCountingSink counts the EventCancelSucceeded events published to it.
type cancelCountingSink struct{ cancelSucceeded atomic.Int64 }

func (s *cancelCountingSink) PublishOrderEvent(ev orders.LifecycleEvent) {
	if ev.Type == orders.EventCancelSucceeded {
		s.cancelSucceeded.Add(1)
	}
}
