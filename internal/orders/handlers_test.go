package orders

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"tradingengine/internal/money"
)

// cancelCountingSink counts the EventCancelSucceeded events published to it.
type cancelCountingSink struct{ cancelSucceeded atomic.Int64 }

func (s *cancelCountingSink) PublishOrderEvent(ev LifecycleEvent) {
	if ev.Type == EventCancelSucceeded {
		s.cancelSucceeded.Add(1)
	}
}

func testHandlers() (*Handlers, *Pool) {
	pool := NewPool()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(pool, log), pool
}

func TestHandleCreateSucceeded(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	pool.Add(o)

	h.HandleCreateSucceeded(o.Header.ClientOrderId, "ex-1", money.FromFloat(100), SourceWebsocket)

	if o.Simple.Status != Created {
		t.Errorf("expected Created, got %s", o.Simple.Status)
	}
	if o.Simple.ExchangeOrderId != "ex-1" {
		t.Errorf("expected exchange id to be linked, got %s", o.Simple.ExchangeOrderId)
	}
	if got, ok := pool.ByExchangeId("ex-1"); !ok || got != o {
		t.Error("expected order to be indexed by exchange id")
	}
}

func TestHandleCreateFailed(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	pool.Add(o)

	h.HandleCreateFailed(o.Header.ClientOrderId, "insufficient balance")

	if o.Simple.Status != FailedToCreate {
		t.Errorf("expected FailedToCreate, got %s", o.Simple.Status)
	}
	if o.Internal.LastCreationError != "insufficient balance" {
		t.Errorf("expected error recorded, got %q", o.Internal.LastCreationError)
	}
}

func TestHandleFillPartialThenComplete(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader()) // Amount = 1
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleFill("ex-1", Fill{TradeId: "t1", Amount: money.FromFloat(0.4)})
	if o.Simple.Status.IsFinished() {
		t.Fatal("expected order to still be open after partial fill")
	}
	if !o.Fills.FilledAmount.Equal(money.FromFloat(0.4)) {
		t.Errorf("expected filled amount 0.4, got %s", o.Fills.FilledAmount)
	}

	h.HandleFill("ex-1", Fill{TradeId: "t2", Amount: money.FromFloat(0.6)})
	if o.Simple.Status != Completed {
		t.Errorf("expected Completed after full fill, got %s", o.Simple.Status)
	}
}

func TestHandleFillDuplicateTradeIdIgnored(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleFill("ex-1", Fill{TradeId: "t1", Amount: money.FromFloat(0.3)})
	h.HandleFill("ex-1", Fill{TradeId: "t1", Amount: money.FromFloat(0.3)})

	if !o.Fills.FilledAmount.Equal(money.FromFloat(0.3)) {
		t.Errorf("expected duplicate trade id to be ignored, filled = %s", o.Fills.FilledAmount)
	}
}

func TestHandleCancelSucceeded(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	o.Simple.Status = Canceling
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleCancelSucceeded("ex-1", money.Zero, SourceWebsocket)

	if o.Simple.Status != Canceled {
		t.Errorf("expected Canceled, got %s", o.Simple.Status)
	}
	if !o.Internal.WasCancellationEventRaised {
		t.Error("expected cancellation event flag to be set")
	}
}

func TestHandleCreateSucceededDuplicateIsWarnAndNoOp(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	pool.Add(o)

	h.HandleCreateSucceeded(o.Header.ClientOrderId, "ex-1", money.FromFloat(100), SourceWebsocket)
	h.HandleCreateSucceeded(o.Header.ClientOrderId, "ex-1", money.FromFloat(200), SourceWebsocket)

	if !o.Simple.Price.Equal(money.FromFloat(100)) {
		t.Errorf("expected duplicate create-succeeded to be a no-op, price = %s", o.Simple.Price)
	}
}

func TestHandleCreateSucceededAfterFailedToCreatePanics(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	pool.Add(o)

	h.HandleCreateFailed(o.Header.ClientOrderId, "rejected")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for create-succeeded after FailedToCreate")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrLogicViolation) {
			t.Errorf("expected ErrLogicViolation, got %v", r)
		}
	}()
	h.HandleCreateSucceeded(o.Header.ClientOrderId, "ex-1", money.FromFloat(100), SourceWebsocket)
}

func TestHandleCreateSucceededReplaysBufferedFillsAndCancel(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader()) // Amount = 1
	pool.Add(o)

	// Fill and cancel notifications for this exchange id arrive before the
	// create response links it, and must be buffered rather than dropped.
	h.HandleFill("ex-1", Fill{TradeId: "t1", Amount: money.FromFloat(0.4)})
	h.HandleCancelSucceeded("ex-1", money.FromFloat(0.4), SourceWebsocket)

	h.HandleCreateSucceeded(o.Header.ClientOrderId, "ex-1", money.FromFloat(100), SourceRequest)

	if !o.Fills.FilledAmount.Equal(money.FromFloat(0.4)) {
		t.Errorf("expected buffered fill to be replayed, filled = %s", o.Fills.FilledAmount)
	}
	if o.Simple.Status != Canceled {
		t.Errorf("expected buffered cancel to be replayed, status = %s", o.Simple.Status)
	}
}

func TestSuspectMissedFill(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")
	o.WithLock(func(o *Order) { o.Fills.FilledAmount = money.FromFloat(0.4) })

	if !h.SuspectMissedFill("ex-1", money.Zero, true, SourceRequest) {
		t.Error("expected explicit check request to suspect a missed fill")
	}
	if !h.SuspectMissedFill("ex-1", money.Zero, false, SourceFallbackPoll) {
		t.Error("expected fallback-poll source to suspect a missed fill")
	}
	if !h.SuspectMissedFill("ex-1", money.FromFloat(0.6), false, SourceRequest) {
		t.Error("expected reported amount exceeding local filled amount to suspect a missed fill")
	}
	if h.SuspectMissedFill("ex-1", money.FromFloat(0.4), false, SourceRequest) {
		t.Error("expected matching reported amount via request source to not suspect a missed fill")
	}
}

func TestApplyRecoveredFillsSkipsKnownTradeIds(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader()) // Amount = 1
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleFill("ex-1", Fill{TradeId: "t1", Amount: money.FromFloat(0.4)})
	h.ApplyRecoveredFills("ex-1", []Fill{
		{TradeId: "t1", Amount: money.FromFloat(0.4)},
		{TradeId: "t2", Amount: money.FromFloat(0.6)},
	})

	if !o.Fills.FilledAmount.Equal(money.FromFloat(1)) {
		t.Errorf("expected only the new trade id to be applied, filled = %s", o.Fills.FilledAmount)
	}
	if o.Simple.Status != Completed {
		t.Errorf("expected order completed after recovered fill closes it, got %s", o.Simple.Status)
	}
}

// TestConcurrentCancelSucceededAppliesExactlyOnce exercises Testable
// Property #5: concurrent cancel-confirmation deliveries for the same
// order must produce exactly one applied transition, since
// applyCancelSucceeded's check-and-set happens under a single WithLock.
func TestConcurrentCancelSucceededAppliesExactlyOnce(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	o.Simple.Status = Canceling
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")
	sink := &cancelCountingSink{}
	h.SetSink(sink)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.HandleCancelSucceeded("ex-1", money.Zero, SourceWebsocket)
		}()
	}
	wg.Wait()

	if o.Simple.Status != Canceled {
		t.Errorf("expected Canceled, got %s", o.Simple.Status)
	}
	if got := sink.cancelSucceeded.Load(); got != 1 {
		t.Errorf("expected exactly one CancelSucceeded event, got %d", got)
	}
}

// TestCancelledWithMissedFillScenario covers S3: a cancel confirmation
// reports a filled_amount_after_cancellation the engine never saw filled
// locally, which must be recorded and recoverable via ApplyRecoveredFills.
func TestCancelledWithMissedFillScenario(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader()) // Amount = 1
	o.Simple.Status = Canceling
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleCancelSucceeded("ex-1", money.FromFloat(0.5), SourceFallbackPoll)

	if o.Simple.Status != Canceled {
		t.Errorf("expected Canceled, got %s", o.Simple.Status)
	}
	if !o.Internal.FilledAmountAfterCancellation.Equal(money.FromFloat(0.5)) {
		t.Errorf("expected filled_amount_after_cancellation recorded, got %s", o.Internal.FilledAmountAfterCancellation)
	}
	if !h.SuspectMissedFill("ex-1", money.FromFloat(0.5), false, SourceFallbackPoll) {
		t.Fatal("expected missed fill to be suspected")
	}

	h.ApplyRecoveredFills("ex-1", []Fill{{TradeId: "missed-1", Amount: money.FromFloat(0.5)}})

	if !o.Fills.FilledAmount.Equal(money.FromFloat(0.5)) {
		t.Errorf("expected recovered fill applied, filled = %s", o.Fills.FilledAmount)
	}
}

func TestHandleCancelFailedOrderNotFoundReinterpretedAsSucceeded(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	o.Simple.Status = Canceling
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleCancelFailed("ex-1", ReasonOrderNotFound, "order not found", SourceRequest)

	if o.Simple.Status != Canceled {
		t.Errorf("expected OrderNotFound to be reinterpreted as Canceled, got %s", o.Simple.Status)
	}
}

func TestHandleCancelFailedOrderCompletedIsNoOp(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	o.Simple.Status = Canceling
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleCancelFailed("ex-1", ReasonOrderCompleted, "already filled", SourceRequest)

	if o.Simple.Status != Canceling {
		t.Errorf("expected status to remain unchanged (Canceling), got %s", o.Simple.Status)
	}
}

func TestHandleCancelFailedOtherSetsFailedToCancel(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	o.Simple.Status = Canceling
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleCancelFailed("ex-1", ReasonOther, "venue timeout", SourceRequest)

	if o.Simple.Status != FailedToCancel {
		t.Errorf("expected FailedToCancel, got %s", o.Simple.Status)
	}
	if o.Internal.LastCancellationError != "venue timeout" {
		t.Errorf("expected error recorded, got %q", o.Internal.LastCancellationError)
	}
}

func TestHandleCancelFailedOnAlreadyClosedOrderIsNoOp(t *testing.T) {
	t.Parallel()
	h, pool := testHandlers()
	o := NewOrder(testHeader())
	o.Simple.Status = Completed
	pool.Add(o)
	pool.LinkExchangeId(o, "ex-1")

	h.HandleCancelFailed("ex-1", ReasonOther, "venue timeout", SourceRequest)

	if o.Simple.Status != Completed {
		t.Errorf("expected status to remain Completed, got %s", o.Simple.Status)
	}
}

func TestMaybeMissedFill(t *testing.T) {
	t.Parallel()
	o := NewOrder(testHeader())
	o.Fills.Items = append(o.Fills.Items, Fill{TradeId: "t1"})

	if maybeMissedFill(o, "t1") {
		t.Error("expected known trade id to not be a missed fill")
	}
	if !maybeMissedFill(o, "t2") {
		t.Error("expected unknown trade id to be a missed fill")
	}
}
