package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradingengine/internal/blocker"
	"tradingengine/internal/money"
	"tradingengine/internal/orders"
	"tradingengine/internal/ratelimit"
)

// pollInterval governs how often WaitOrderFinish re-reads the order's local
// status, and the watchdog poll CreateOrder races against its REST
// response.
const pollInterval = 500 * time.Millisecond

// createWatchdogTimeout bounds how long CreateOrder races its REST
// response against a GetOrderInfo poll before giving up on both
// (spec.md §4.3's C8 contract).
const createWatchdogTimeout = 5 * time.Minute

// cancelResponseTimeout is how long one cancel-confirmation attempt waits
// before the rendezvous worker retries, per spec.md §4.3's
// wait_cancel_order contract.
const cancelResponseTimeout = 10 * time.Second

// balanceRetryCount/balanceRetryBackoff bound get_balance's retry loop.
const (
	balanceRetryCount   = 5
	balanceRetryBackoff = 1 * time.Second
)

// Facade is the single entry point the disposition executor uses to talk
// to one exchange account. It wraps a RestClient with rate limiting,
// account blocking, and order-pool bookkeeping, and reconciles REST
// responses with the asynchronous order-lifecycle handlers fed by the
// websocket connection.
//
// Grounded on the teacher's internal/exchange/client.go (one Client per
// rate-limited REST surface) restructured so the REST/WS duality and the
// order registry are explicit instead of implicit in engine.go's goroutines.
type Facade struct {
	rest     RestClient
	pool     *orders.Pool
	handlers *orders.Handlers
	limiter  *ratelimit.Limiter
	blocker  *blocker.Blocker
	account  money.ExchangeAccountId
	logger   *slog.Logger

	cancelMu      sync.Mutex
	cancelWaiters map[money.ClientOrderId]chan struct{}
}

func NewFacade(account money.ExchangeAccountId, rest RestClient, pool *orders.Pool, handlers *orders.Handlers, limiter *ratelimit.Limiter, blk *blocker.Blocker, logger *slog.Logger) *Facade {
	return &Facade{
		rest:          rest,
		pool:          pool,
		handlers:      handlers,
		limiter:       limiter,
		blocker:       blk,
		account:       account,
		logger:        logger.With("component", "exchange.facade", "account", account.String()),
		cancelWaiters: make(map[money.ClientOrderId]chan struct{}),
	}
}

// CreateOrder reserves a rate-limit slot, registers the order as Creating,
// and races the REST create response against a GetOrderInfo watchdog poll
// under a 5-minute bound. A venue can accept an order but lose the HTTP
// response on the way back (a timeout, a dropped connection); without the
// watchdog the order would sit in Creating forever even though the venue
// knows about it. Whichever source resolves first wins; the other is
// abandoned.
func (f *Facade) CreateOrder(ctx context.Context, header orders.Header, price money.Decimal) (*orders.Order, error) {
	if f.blocker.IsBlocked(f.account) {
		return nil, fmt.Errorf("exchange: account %s is blocked: %v", f.account, f.blocker.ActiveReasons(f.account))
	}

	if err := f.limiter.ReserveGroup(ctx, ratelimit.GroupCreateOrder); err != nil {
		return nil, fmt.Errorf("reserve create-order rate limit: %w", err)
	}

	order := orders.NewOrder(header)
	order.Simple.Price = price
	f.pool.Add(order)

	watchCtx, cancel := context.WithTimeout(ctx, createWatchdogTimeout)
	defer cancel()

	type outcome struct {
		exchangeId money.ExchangeOrderId
		accepted   bool
		reason     string
		source     orders.EventSourceType
		err        error
	}
	resultCh := make(chan outcome, 2)

	go func() {
		resp, err := f.rest.CreateOrder(watchCtx, CreateOrderRequest{
			ClientOrderId: header.ClientOrderId,
			CurrencyPair:  header.CurrencyPair,
			Side:          header.Side,
			Price:         price,
			Amount:        header.Amount,
			OrderType:     header.OrderType,
		})
		if err != nil {
			resultCh <- outcome{err: err, source: orders.SourceRequest}
			return
		}
		resultCh <- outcome{exchangeId: resp.ExchangeOrderId, accepted: resp.Accepted, reason: resp.RejectReason, source: orders.SourceRequest}
	}()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
			if err := f.limiter.ReserveGroup(watchCtx, ratelimit.GroupPollOrders); err != nil {
				return
			}
			info, err := f.rest.GetOrderInfo(watchCtx, OrderInfoQuery{ClientOrderId: header.ClientOrderId})
			if err != nil || !info.Found {
				continue
			}
			resultCh <- outcome{exchangeId: info.ExchangeOrderId, accepted: true, source: orders.SourceFallbackPoll}
			return
		}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			f.handlers.HandleCreateFailed(header.ClientOrderId, res.err.Error())
			return order, res.err
		}
		if !res.accepted {
			f.handlers.HandleCreateFailed(header.ClientOrderId, res.reason)
			return order, fmt.Errorf("exchange: order rejected: %s", res.reason)
		}
		f.handlers.HandleCreateSucceeded(header.ClientOrderId, res.exchangeId, price, res.source)
		return order, nil
	case <-watchCtx.Done():
		f.handlers.HandleCreateFailed(header.ClientOrderId, "create watchdog timed out")
		return order, fmt.Errorf("exchange: create order %s timed out after %s", header.ClientOrderId, createWatchdogTimeout)
	}
}

// CancelOrder requests cancellation of an already-created order. The
// Canceling status is set immediately so the disposition executor's
// reconcile pass doesn't re-cancel it while the request is in flight.
// An accepted cancel is applied through finishCancel, which queries the
// venue for fills that slipped in before the cancel took effect only when
// Handlers.SuspectMissedFill reports a suspected missed fill; for this
// REST-response path, with no check requested and no reported filled
// amount, it does not query.
func (f *Facade) CancelOrder(ctx context.Context, order *orders.Order) error {
	var exchangeId money.ExchangeOrderId
	order.WithLock(func(o *orders.Order) {
		exchangeId = o.Simple.ExchangeOrderId
		if !o.Simple.Status.IsFinished() {
			o.Simple.Status = orders.Canceling
			o.Internal.IsCanceling = true
		}
	})
	if exchangeId == "" {
		return fmt.Errorf("exchange: order %s has no exchange id yet", order.Header.ClientOrderId)
	}

	if err := f.limiter.ReserveGroup(ctx, ratelimit.GroupCancelOrder); err != nil {
		return fmt.Errorf("reserve cancel-order rate limit: %w", err)
	}

	resp, err := f.rest.CancelOrder(ctx, exchangeId)
	if err != nil {
		f.handlers.HandleCancelFailed(exchangeId, orders.ReasonOther, err.Error(), orders.SourceRequest)
		return err
	}

	if !resp.Accepted {
		f.handlers.HandleCancelFailed(exchangeId, resp.Reason, resp.Error, orders.SourceRequest)
		return fmt.Errorf("exchange: cancel rejected: %s", resp.Error)
	}

	f.finishCancel(ctx, exchangeId, orders.SourceRequest, false)
	return nil
}

// finishCancel implements checkOrderFills: before applying the cancel
// confirmation, it asks Handlers whether a missed fill is suspected and,
// if so, queries the venue's current order state and replays anything the
// local order doesn't already have. The cancel is then applied with
// whatever filled_amount_after_cancellation the venue last reported.
func (f *Facade) finishCancel(ctx context.Context, exchangeId money.ExchangeOrderId, source orders.EventSourceType, checkFillsRequested bool) {
	filledAfterCancel := money.Zero

	if f.handlers.SuspectMissedFill(exchangeId, money.Zero, checkFillsRequested, source) {
		if err := f.limiter.ReserveGroup(ctx, ratelimit.GroupPollOrders); err != nil {
			f.logger.Warn("check_order_fills rate limit reservation failed", "exchange_order_id", exchangeId, "error", err)
			f.handlers.HandleCancelSucceeded(exchangeId, money.Zero, source)
			return
		}
		info, err := f.rest.GetOrderInfo(ctx, OrderInfoQuery{ExchangeOrderId: exchangeId})
		if err != nil {
			f.logger.Warn("check_order_fills query failed", "exchange_order_id", exchangeId, "error", err)
		} else if info.Found {
			filledAfterCancel = info.FilledAmount
			if len(info.Fills) > 0 {
				f.handlers.ApplyRecoveredFills(exchangeId, info.Fills)
			}
		}
	}

	f.handlers.HandleCancelSucceeded(exchangeId, filledAfterCancel, source)
}

// WaitOrderFinish blocks until order reaches a finished status or ctx is
// cancelled, re-reading the order's local status every pollInterval. It
// does not query the venue: the order finishes only once a handler applies
// a finished status, so after a missed websocket event it waits until ctx
// ends.
func (f *Facade) WaitOrderFinish(ctx context.Context, order *orders.Order) (orders.Status, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var status orders.Status
		order.WithLock(func(o *orders.Order) { status = o.Simple.Status })
		if status.IsFinished() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitCancelOrder blocks until order reaches Canceled, FailedToCancel, or
// Completed (a fill raced the cancel), or ctx is cancelled. Concurrent
// calls for the same order rendezvous on a single shared worker keyed by
// client order id, so a retried cancel-wait (the caller's own timeout, a
// second disposition pass) never issues a second REST cancel or races
// Handlers' check-and-set — only one worker ever drives the order through
// the 10-second cancel-response retry loop, and HandleCancelSucceeded's
// own idempotent check-and-set (Testable Property #5) covers the case
// where the venue's confirmation arrives while that worker is already
// mid-retry.
func (f *Facade) WaitCancelOrder(ctx context.Context, order *orders.Order) (orders.Status, error) {
	clientId := order.Header.ClientOrderId

	f.cancelMu.Lock()
	done, isOwner := f.cancelWaiters[clientId]
	if !isOwner {
		done = make(chan struct{})
		f.cancelWaiters[clientId] = done
	}
	f.cancelMu.Unlock()

	if isOwner {
		select {
		case <-done:
		case <-ctx.Done():
			var status orders.Status
			order.WithLock(func(o *orders.Order) { status = o.Simple.Status })
			return status, ctx.Err()
		}
		var status orders.Status
		order.WithLock(func(o *orders.Order) { status = o.Simple.Status })
		return status, nil
	}

	defer func() {
		f.cancelMu.Lock()
		delete(f.cancelWaiters, clientId)
		f.cancelMu.Unlock()
		close(done)
	}()

	for {
		var exchangeId money.ExchangeOrderId
		var status orders.Status
		order.WithLock(func(o *orders.Order) {
			status = o.Simple.Status
			exchangeId = o.Simple.ExchangeOrderId
		})
		if status.IsFinished() {
			return status, nil
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cancelResponseTimeout)
		waited := f.waitForFinish(attemptCtx, order)
		cancel()
		if waited.IsFinished() {
			return waited, nil
		}
		if ctx.Err() != nil {
			return waited, ctx.Err()
		}

		f.logger.Warn("cancel response timed out, retrying check_order_fills", "exchange_order_id", exchangeId)
		if exchangeId != "" {
			f.finishCancel(ctx, exchangeId, orders.SourceFallbackPoll, true)
		}
	}
}

func (f *Facade) waitForFinish(ctx context.Context, order *orders.Order) orders.Status {
	status, _ := f.WaitOrderFinish(ctx, order)
	return status
}

// GetBalances fetches every currency balance for this account, retrying
// up to balanceRetryCount times on a transient error with a fixed
// balanceRetryBackoff between attempts.
func (f *Facade) GetBalances(ctx context.Context) ([]BalanceEntry, error) {
	if err := f.limiter.ReserveGroup(ctx, ratelimit.GroupGetBalance); err != nil {
		return nil, fmt.Errorf("reserve get-balance rate limit: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < balanceRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(balanceRetryBackoff):
			}
		}
		balances, err := f.rest.GetBalances(ctx)
		if err == nil {
			return balances, nil
		}
		lastErr = err
		f.logger.Warn("get_balance attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("get_balance failed after %d attempts: %w", balanceRetryCount, lastErr)
}
