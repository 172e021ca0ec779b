package orders

import (
	"fmt"
	"log/slog"
	"time"

	"tradingengine/internal/money"
)

// Handlers applies exchange responses to orders tracked in a Pool,
// transitioning their Status and recording which EventSourceType drove
// each transition. The create/cancel reinterpretation rules are grounded
// on original_source/core/src/exchanges/general/handlers/handle_cancel_order_failed.rs
// and handle_cancel_order_succeeded.rs.
type Handlers struct {
	pool   *Pool
	buffer *BufferedFillsManager
	sink   EventSink
	log    *slog.Logger
}

func NewHandlers(pool *Pool, log *slog.Logger) *Handlers {
	return &Handlers{pool: pool, buffer: NewBufferedFillsManager(), log: log.With("component", "orders.handlers")}
}

// SetSink installs the EventSink every applied transition is published to.
// Nil (the default) means transitions are applied but nothing is
// published, so tests can construct a Handlers without wiring a bus.
func (h *Handlers) SetSink(sink EventSink) {
	h.sink = sink
}

func (h *Handlers) publish(o *Order, t EventType, fill Fill) {
	if h.sink == nil {
		return
	}
	h.sink.PublishOrderEvent(LifecycleEvent{Type: t, Order: o, Fill: fill})
}

// HandleCreateSucceeded links the venue's exchange_order_id to the order
// and marks it Created. A repeated call is handled per spec.md §4.4's
// idempotency table: Creating commits the transition; FailedToCreate is a
// logic violation (the venue cannot both reject and later confirm the same
// order); every other status is a harmless duplicate that is logged and
// otherwise ignored. Once committed, any fill or cancel that was buffered
// for this exchange id while the create was still in flight is replayed.
func (h *Handlers) HandleCreateSucceeded(clientId money.ClientOrderId, exchangeId money.ExchangeOrderId, price money.Decimal, source EventSourceType) {
	o, ok := h.pool.ByClientId(clientId)
	if !ok {
		h.log.Warn("create succeeded for unknown order", "client_order_id", clientId)
		return
	}

	h.pool.LinkExchangeId(o, exchangeId)

	var status Status
	o.WithLock(func(o *Order) {
		status = o.Simple.Status
		if status != Creating {
			return
		}
		o.Simple.Status = Created
		o.Simple.Price = price
		o.Internal.CreationEventSourceType = source
	})

	switch status {
	case Creating:
		// committed above, fall through to replay + publish.
	case FailedToCreate:
		panicLogicViolation(fmt.Sprintf("create succeeded for %s after it was already marked FailedToCreate", clientId))
	default:
		h.log.Warn("duplicate create-succeeded ignored", "client_order_id", clientId, "status", status.String())
		return
	}

	for _, fill := range h.buffer.DrainFills(exchangeId) {
		h.applyFill(o, fill)
	}
	if cancelSource, ok := h.buffer.TakeCancel(exchangeId); ok {
		h.applyCancelSucceeded(o, money.Zero, cancelSource)
	}

	h.publish(o, EventCreateSucceeded, Fill{})
}

// HandleCreateFailed marks an order FailedToCreate, recording the venue's
// rejection reason.
func (h *Handlers) HandleCreateFailed(clientId money.ClientOrderId, reason string) {
	o, ok := h.pool.ByClientId(clientId)
	if !ok {
		h.log.Warn("create failed for unknown order", "client_order_id", clientId)
		return
	}
	o.WithLock(func(o *Order) {
		o.Simple.Status = FailedToCreate
		o.Simple.FinishedTime = time.Now()
		o.Internal.LastCreationError = reason
	})
	h.publish(o, EventCreateFailed, Fill{})
}

// HandleFill applies one execution to an order, marking it Completed once
// the filled amount reaches the order amount. A fill for an order already
// in a finished status is recorded without changing that status. A fill naming an exchange id
// not yet indexed (the create response or its fallback poll hasn't landed
// yet) is buffered instead of dropped, and replayed from
// HandleCreateSucceeded.
func (h *Handlers) HandleFill(exchangeId money.ExchangeOrderId, fill Fill) {
	o, ok := h.pool.ByExchangeId(exchangeId)
	if !ok {
		h.log.Debug("buffering fill for order not yet indexed", "exchange_order_id", exchangeId, "trade_id", fill.TradeId)
		h.buffer.BufferFill(exchangeId, fill)
		return
	}
	h.applyFill(o, fill)
}

// applyFill is HandleFill's body once the order is known, shared with the
// buffered-fill replay path in HandleCreateSucceeded.
func (h *Handlers) applyFill(o *Order, fill Fill) {
	var applied, completed bool
	o.WithLock(func(o *Order) {
		for _, existing := range o.Fills.Items {
			if existing.TradeId == fill.TradeId {
				return
			}
		}
		finished := o.Simple.Status.IsFinished()
		if finished {
			h.log.Warn("fill received for finished order, recording it without a status change", "client_order_id", o.Header.ClientOrderId, "status", o.Simple.Status.String())
		}
		o.Fills.Items = append(o.Fills.Items, fill)
		o.Fills.FilledAmount = o.Fills.FilledAmount.Add(fill.Amount)
		if fill.Role != RoleUnknown {
			o.Simple.Role = fill.Role
		}
		applied = true
		if !finished && o.Fills.FilledAmount.GreaterThanOrEqual(o.Header.Amount) {
			o.Simple.Status = Completed
			o.Simple.FinishedTime = time.Now()
			completed = true
		}
	})
	if !applied {
		return
	}
	h.publish(o, EventFilled, fill)
	if completed {
		h.publish(o, EventCompleted, Fill{})
	}
}

// ApplyRecoveredFills applies fills fetched from a fallback check_order_fills
// query, skipping any trade id already known locally (maybeMissedFill), so
// a fallback poll racing the websocket feed never double-applies a fill
// both paths saw.
func (h *Handlers) ApplyRecoveredFills(exchangeId money.ExchangeOrderId, fills []Fill) {
	o, ok := h.pool.ByExchangeId(exchangeId)
	if !ok {
		h.log.Warn("recovered fills for unknown order", "exchange_order_id", exchangeId)
		return
	}
	for _, fill := range fills {
		var missed bool
		o.WithLock(func(o *Order) { missed = maybeMissedFill(o, fill.TradeId) })
		if !missed {
			continue
		}
		h.log.Warn("applying missed fill recovered via fallback poll",
			"client_order_id", o.Header.ClientOrderId, "trade_id", fill.TradeId)
		h.applyFill(o, fill)
	}
}

// SuspectMissedFill reports whether a cancel confirmation should trigger a
// check_order_fills query before the cancellation is considered final.
// Per spec.md §4.4, any of: the caller explicitly asked for a check, the
// venue's filled_amount_after_cancellation exceeds what is recorded
// locally, or the confirmation itself arrived over a fallback channel
// (a REST poll can only ever report state after the fact, so it may have
// missed an interleaved fill a live websocket push wouldn't).
func (h *Handlers) SuspectMissedFill(exchangeId money.ExchangeOrderId, filledAmountAfterCancellation money.Decimal, checkFillsRequested bool, source EventSourceType) bool {
	if checkFillsRequested || source == SourceFallbackPoll {
		return true
	}
	o, ok := h.pool.ByExchangeId(exchangeId)
	if !ok {
		return false
	}
	var localFilled money.Decimal
	o.WithLock(func(o *Order) { localFilled = o.Fills.FilledAmount })
	return filledAmountAfterCancellation.GreaterThan(localFilled)
}

// HandleCancelSucceeded marks an order Canceled. If the order is already
// Canceled or Completed the event is a harmless duplicate and is logged, not
// applied — mirroring order_already_closed in the original handler. A
// cancel naming an exchange id not yet indexed is buffered and replayed
// from HandleCreateSucceeded, the same race the fills buffer covers.
func (h *Handlers) HandleCancelSucceeded(exchangeId money.ExchangeOrderId, filledAmountAfterCancellation money.Decimal, source EventSourceType) {
	o, ok := h.pool.ByExchangeId(exchangeId)
	if !ok {
		h.log.Debug("buffering cancel for order not yet indexed", "exchange_order_id", exchangeId)
		h.buffer.BufferCancel(exchangeId, source)
		return
	}
	h.applyCancelSucceeded(o, filledAmountAfterCancellation, source)
}

// applyCancelSucceeded is HandleCancelSucceeded's body once the order is
// known, shared with the buffered-cancel replay path. The check-and-set of
// Status happens under a single WithLock call, so two concurrent callers
// for the same order (the idempotent wait_cancel_order rendezvous in
// exchange.Facade) can never both observe a non-finished status and both
// publish a CancelOrderSucceeded event — exactly one of them applies.
func (h *Handlers) applyCancelSucceeded(o *Order, filledAmountAfterCancellation money.Decimal, source EventSourceType) {
	var applied bool
	o.WithLock(func(o *Order) {
		if o.Simple.Status == Canceled || o.Simple.Status == Completed {
			h.log.Warn("cancel succeeded for already-closed order",
				"client_order_id", o.Header.ClientOrderId, "status", o.Simple.Status.String())
			return
		}
		o.Simple.Status = Canceled
		o.Simple.FinishedTime = time.Now()
		o.Internal.CancellationEventSourceType = source
		o.Internal.WasCancellationEventRaised = true
		o.Internal.FilledAmountAfterCancellation = filledAmountAfterCancellation
		applied = true
	})
	if !applied {
		return
	}
	h.publish(o, EventCancelSucceeded, Fill{})
}

// CancelFailureReason classifies why a cancel request came back negative,
// since two of the three cases are not really failures at all.
type CancelFailureReason int

const (
	ReasonOrderNotFound CancelFailureReason = iota
	ReasonOrderCompleted
	ReasonOther
)

// HandleCancelFailed applies a negative cancel response. Grounded on
// react_based_on_order_status / react_based_on_error_type in
// handle_cancel_order_failed.rs: an order the venue no longer recognizes
// is reinterpreted as a successful cancel (it raced a fill or was already
// gone), a "the order is already completed" response is a no-op, and
// every other error sets FailedToCancel.
func (h *Handlers) HandleCancelFailed(exchangeId money.ExchangeOrderId, reason CancelFailureReason, errMsg string, source EventSourceType) {
	o, ok := h.pool.ByExchangeId(exchangeId)
	if !ok {
		h.log.Warn("cancel failed for unknown order", "exchange_order_id", exchangeId)
		return
	}

	var closed bool
	o.WithLock(func(o *Order) {
		if o.Simple.Status == Canceled || o.Simple.Status == Completed {
			h.log.Warn("cancel failed response for already-closed order",
				"client_order_id", o.Header.ClientOrderId, "status", o.Simple.Status.String())
			closed = true
			return
		}
		o.Internal.LastCancellationError = errMsg
		o.Internal.CancellationEventSourceType = source
	})
	if closed {
		return
	}

	switch reason {
	case ReasonOrderNotFound:
		h.applyCancelSucceeded(o, money.Zero, source)
	case ReasonOrderCompleted:
		return
	default:
		o.WithLock(func(o *Order) {
			o.Simple.Status = FailedToCancel
			o.Simple.FinishedTime = time.Now()
		})
		h.publish(o, EventCancelFailed, Fill{})
	}
}

// maybeMissedFill reports whether a fill with tradeId is absent from o's
// recorded fills, i.e. a fill the engine never saw (a missed WS event
// recovered via fallback poll), deduped on trade id rather than
// amount equality: two genuine fills of the same size are common and an
// amount-equality check would silently discard the second one.
func maybeMissedFill(o *Order, tradeId string) bool {
	for _, f := range o.Fills.Items {
		if f.TradeId == tradeId {
			return false
		}
	}
	return true
}
