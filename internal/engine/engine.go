// Package engine is the central orchestrator of the trading engine.
//
// It wires together every subsystem built from config:
//
//  1. One exchange.Facade, rate limiter, and pair of wsconn.Supervisors
//     (market data + user data) per configured venue.
//  2. One orderbook.Book, symbol.Symbol, and disposition.Executor per
//     configured (venue, pair) market.
//  3. Shared registries every market draws on: the order Pool/Handlers,
//     the balance Tree, the account Blocker, and the pricesource Registry
//     used to revalue P&L in USD.
//  4. Per-venue pnl.Accumulator/Stopper pair, recomputed on a timer and
//     fed by RecordFill with every fill that realizes P&L.
//
// Lifecycle: New() → Run(ctx) → ctx cancellation requests a cancel of
// every resting order (without waiting for the venue to acknowledge it)
// and waits for the engine's goroutines before returning.
//
// Grounded on the teacher's internal/engine/engine.go (the same
// construct-everything-in-New, start-goroutines-in-Run shape, the same
// reconcile-then-dispatch split between REST and websocket), regrown from
// the teacher's single Polymarket wallet/scanner loop to an arbitrary set
// of venues and pairs read from config.Config.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradingengine/internal/balance"
	"tradingengine/internal/blocker"
	"tradingengine/internal/config"
	"tradingengine/internal/disposition"
	"tradingengine/internal/events"
	"tradingengine/internal/exchange"
	"tradingengine/internal/money"
	"tradingengine/internal/orderbook"
	"tradingengine/internal/orders"
	"tradingengine/internal/pnl"
	"tradingengine/internal/pricesource"
	"tradingengine/internal/ratelimit"
	"tradingengine/internal/symbol"
	"tradingengine/internal/wsconn"
)

// pnlRecomputeInterval is how often each venue's rolling P&L is revalued
// against current market prices and checked against its kill-switch limit.
const pnlRecomputeInterval = 5 * time.Second

// StrategyFactory builds the quoting strategy for one (venue, pair)
// market. The engine never implements a strategy itself — spec.md's
// quoting algorithm is a pluggable seam (disposition.Strategy) supplied
// by the embedding application.
type StrategyFactory func(account money.ExchangeAccountId, pair money.CurrencyPair) disposition.Strategy

// venueRuntime holds everything constructed for one configured venue.
type venueRuntime struct {
	cfg     config.VenueConfig
	account money.ExchangeAccountId

	rest    exchange.RestClient
	limiter *ratelimit.Limiter
	facade  *exchange.Facade
	bus     *exchange.EventBus

	marketWS *wsconn.Supervisor
	userWS   *wsconn.Supervisor

	accumulator *pnl.Accumulator
	stopper     *pnl.Stopper
}

// marketRuntime holds everything constructed for one traded (venue, pair).
type marketRuntime struct {
	account money.ExchangeAccountId
	pair    money.CurrencyPair

	book     *orderbook.Book
	executor *disposition.Executor
	events   chan disposition.Event
}

// Engine owns every shared registry and the per-venue/per-market runtimes
// built from it.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	pool     *orders.Pool
	handlers *orders.Handlers
	blocker  *blocker.Blocker
	balances *balance.Tree
	symbols  *symbol.Store
	books    *orderbook.Store
	prices   *pricesource.Registry
	recorder events.Recorder

	venues  map[money.ExchangeAccountId]*venueRuntime
	markets []*marketRuntime

	wg sync.WaitGroup
}

// New builds every component named in config.Config but starts nothing;
// call Run to bring the engine up.
func New(cfg *config.Config, recorder events.Recorder, strategies StrategyFactory, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		pool:     orders.NewPool(),
		blocker:  blocker.NewBlocker(),
		balances: balance.NewTree(),
		symbols:  symbol.NewStore(),
		books:    orderbook.NewStore(),
		prices:   pricesource.NewRegistry(),
		recorder: recorder,
		venues:   make(map[money.ExchangeAccountId]*venueRuntime),
	}
	e.handlers = orders.NewHandlers(e.pool, e.logger)
	e.handlers.SetSink(&engineEventSink{e: e})

	for _, pairCfg := range cfg.Pairs {
		sym, err := symbolFromConfig(pairCfg)
		if err != nil {
			return nil, fmt.Errorf("engine: pair %s/%s: %w", pairCfg.Base, pairCfg.Quote, err)
		}
		e.symbols.Add(sym)
		e.prices.AddPair(sym.CurrencyPair)
	}

	for _, venueCfg := range cfg.Venues {
		vr, err := e.buildVenue(venueCfg)
		if err != nil {
			return nil, fmt.Errorf("engine: venue %s: %w", venueCfg.ExchangeId, err)
		}
		e.venues[vr.account] = vr
	}

	for _, pairCfg := range cfg.Pairs {
		vr, ok := e.venues[accountFromExchangeId(pairCfg.ExchangeId, cfg)]
		if !ok {
			return nil, fmt.Errorf("engine: pair %s/%s references unknown venue %q", pairCfg.Base, pairCfg.Quote, pairCfg.ExchangeId)
		}
		sym, _ := e.symbols.Get(money.NewCurrencyPair(pairCfg.Base, pairCfg.Quote))

		strategy := strategies(vr.account, sym.CurrencyPair)
		mr := e.buildMarket(vr, sym, strategy)
		e.markets = append(e.markets, mr)
	}

	return e, nil
}

// accountFromExchangeId resolves a pair's exchange_id to the matching
// venue's account, using that venue's configured instance number. Config
// validation guarantees exactly one venue per exchange_id unless multiple
// instances are configured, in which case the first match is used — a
// pair that must route to a specific instance sets exchange_id to a value
// unique to that instance's venue entry.
func accountFromExchangeId(exchangeId string, cfg *config.Config) money.ExchangeAccountId {
	for _, v := range cfg.Venues {
		if v.ExchangeId == exchangeId {
			return money.ExchangeAccountId{ExchangeId: v.ExchangeId, Instance: v.Instance}
		}
	}
	return money.ExchangeAccountId{ExchangeId: exchangeId}
}

func symbolFromConfig(p config.PairConfig) (symbol.Symbol, error) {
	priceTick, err := money.ParseDecimal(p.PriceTick)
	if err != nil {
		return symbol.Symbol{}, fmt.Errorf("price_tick: %w", err)
	}
	amountTick, err := money.ParseDecimal(p.AmountTick)
	if err != nil {
		return symbol.Symbol{}, fmt.Errorf("amount_tick: %w", err)
	}
	minAmount := money.Zero
	if p.MinAmount != "" {
		if minAmount, err = money.ParseDecimal(p.MinAmount); err != nil {
			return symbol.Symbol{}, fmt.Errorf("min_amount: %w", err)
		}
	}
	maxAmount := money.Zero
	if p.MaxAmount != "" {
		if maxAmount, err = money.ParseDecimal(p.MaxAmount); err != nil {
			return symbol.Symbol{}, fmt.Errorf("max_amount: %w", err)
		}
	}
	amountMultiplier := money.Zero
	if p.AmountMultiplier != "" {
		if amountMultiplier, err = money.ParseDecimal(p.AmountMultiplier); err != nil {
			return symbol.Symbol{}, fmt.Errorf("amount_multiplier: %w", err)
		}
	}

	return symbol.Symbol{
		CurrencyPair:        money.NewCurrencyPair(p.Base, p.Quote),
		PriceTick:           priceTick,
		AmountTick:          amountTick,
		MinAmount:           minAmount,
		MaxAmount:           maxAmount,
		PriceRounding:       money.RoundNearest,
		AmountRounding:      money.RoundDown,
		IsDerivative:        p.IsDerivative,
		AmountMultiplier:    amountMultiplier,
		BalanceCurrencyCode: p.BalanceCurrencyCode,
		Reversed:            p.Reversed,
	}, nil
}

func (e *Engine) buildVenue(cfg config.VenueConfig) (*venueRuntime, error) {
	account := money.ExchangeAccountId{ExchangeId: cfg.ExchangeId, Instance: cfg.Instance}
	log := e.logger.With("account", account.String())

	groups := ratelimit.DefaultGroups()
	for name, g := range cfg.RateLimitGroups {
		groups[name] = ratelimit.GroupConfig{Capacity: g.Capacity, RatePerSecond: g.RatePerSecond}
	}
	limiter := ratelimit.NewLimiter(groups)

	rest := exchange.NewHTTPRestClient(cfg.RestBaseURL, e.cfg.DryRun, log)
	facade := exchange.NewFacade(account, rest, e.pool, e.handlers, limiter, e.blocker, log)

	vr := &venueRuntime{
		cfg:         cfg,
		account:     account,
		rest:        rest,
		limiter:     limiter,
		facade:      facade,
		bus:         exchange.NewEventBus(),
		accumulator: pnl.NewAccumulator(e.cfg.ProfitLoss.Period),
	}

	target, err := parsePair(e.cfg.ProfitLoss.TargetMarket)
	if err != nil {
		return nil, fmt.Errorf("profit_loss.target_market: %w", err)
	}
	limit, err := money.ParseDecimal(e.cfg.ProfitLoss.Limit)
	if err != nil {
		return nil, fmt.Errorf("profit_loss.limit: %w", err)
	}
	closer := &venuePositionCloser{facade: facade, balances: e.balances, symbols: e.symbols}
	vr.stopper = pnl.NewStopper(account, target, limit, e.blocker, closer, log)

	if cfg.WSMarketURL != "" {
		vr.marketWS = wsconn.NewSupervisor(cfg.WSMarketURL, wsconn.Main, e.loggingMessageHandler(account, "market"), log)
	}
	if cfg.WSUserURL != "" {
		vr.userWS = wsconn.NewSupervisor(cfg.WSUserURL, wsconn.Main, e.loggingMessageHandler(account, "user"), log)
	}

	return vr, nil
}

// loggingMessageHandler is the default raw-frame handler wired into every
// wsconn.Supervisor. Decoding a venue's wire protocol into order book
// deltas, fills, and account events is venue-specific and out of this
// engine's scope (see DESIGN.md); a real deployment replaces this via
// Engine.SetMessageHandler once it has a concrete venue adapter.
func (e *Engine) loggingMessageHandler(account money.ExchangeAccountId, feed string) wsconn.MessageHandler {
	log := e.logger.With("account", account.String(), "feed", feed)
	return func(data []byte) {
		log.Debug("received websocket frame", "bytes", len(data))
	}
}

// Subscribe returns a receive-only channel of every ExchangeEvent — order
// book updates, order lifecycle transitions, balance updates, liquidation
// price changes, and trade prints — broadcast for one venue, per spec.md
// §4.3. The returned id is passed to Unsubscribe to release the channel.
func (e *Engine) Subscribe(account money.ExchangeAccountId) (id int, ch <-chan exchange.ExchangeEvent, ok bool) {
	vr, ok := e.venues[account]
	if !ok {
		return 0, nil, false
	}
	id, ch = vr.bus.Subscribe()
	return id, ch, true
}

// Unsubscribe releases a channel returned by Subscribe.
func (e *Engine) Unsubscribe(account money.ExchangeAccountId, id int) {
	if vr, ok := e.venues[account]; ok {
		vr.bus.Unsubscribe(id)
	}
}

// SetMessageHandler replaces the raw-frame handler for one venue's feed
// ("market" or "user") with a concrete venue adapter. Must be called
// before Run.
func (e *Engine) SetMessageHandler(account money.ExchangeAccountId, feed string, handler wsconn.MessageHandler) error {
	vr, ok := e.venues[account]
	if !ok {
		return fmt.Errorf("engine: unknown account %s", account)
	}
	switch feed {
	case "market":
		if vr.marketWS != nil {
			vr.marketWS = wsconn.NewSupervisor(vr.cfg.WSMarketURL, wsconn.Main, handler, e.logger)
		}
	case "user":
		if vr.userWS != nil {
			vr.userWS = wsconn.NewSupervisor(vr.cfg.WSUserURL, wsconn.Main, handler, e.logger)
		}
	default:
		return fmt.Errorf("engine: unknown feed %q", feed)
	}
	return nil
}

func (e *Engine) buildMarket(vr *venueRuntime, sym symbol.Symbol, strategy disposition.Strategy) *marketRuntime {
	marketId := money.MarketId{ExchangeId: vr.account.ExchangeId, CurrencyPair: sym.CurrencyPair}
	book := e.books.GetOrCreate(marketId)
	log := e.logger.With("account", vr.account.String(), "pair", sym.CurrencyPair.String())

	executor := disposition.NewExecutor(vr.account, sym.CurrencyPair, sym, vr.facade, e.balances, e.blocker, book, strategy, log)

	return &marketRuntime{
		account:  vr.account,
		pair:     sym.CurrencyPair,
		book:     book,
		executor: executor,
		events:   make(chan disposition.Event, 1024),
	}
}

func parsePair(s string) (money.CurrencyPair, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return money.CurrencyPair{}, fmt.Errorf("expected BASE/QUOTE, got %q", s)
	}
	return money.NewCurrencyPair(parts[0], parts[1]), nil
}

// Run starts every venue's websocket supervisors, every market's
// disposition executor, and the background P&L recompute loop, blocking
// until ctx is cancelled. On return, every resting order across every
// venue has had a cancel requested.
func (e *Engine) Run(ctx context.Context) error {
	for _, mr := range e.markets {
		mr := mr
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			mr.executor.Run(ctx, mr.events)
		}()
	}

	for _, vr := range e.venues {
		vr := vr
		if vr.marketWS != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := vr.marketWS.Run(ctx); err != nil && ctx.Err() == nil {
					e.logger.Error("market data connection failed", "account", vr.account.String(), "error", err)
				}
			}()
		}
		if vr.userWS != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := vr.userWS.Run(ctx); err != nil && ctx.Err() == nil {
					e.logger.Error("user data connection failed", "account", vr.account.String(), "error", err)
				}
			}()
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runPnlLoop(ctx, vr)
		}()
	}

	<-ctx.Done()
	e.cancelEverything()
	e.wg.Wait()

	if err := e.recorder.FlushAndStop(context.Background()); err != nil {
		e.logger.Warn("failed to flush recorder on shutdown", "error", err)
	}
	return nil
}

// runPnlLoop periodically revalues vr's rolling P&L window against
// current market prices and checks it against the kill switch.
func (e *Engine) runPnlLoop(ctx context.Context, vr *venueRuntime) {
	ticker := time.NewTicker(pnlRecomputeInterval)
	defer ticker.Stop()

	converter := &chainConverter{registry: e.prices, quoter: &bookQuoter{exchangeId: vr.account.ExchangeId, books: e.books}}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usdChange := vr.accumulator.CalculateOverMarketUsdChange(converter)
			vr.stopper.Check(ctx, usdChange)
		}
	}
}

// cancelEverything requests cancellation of every not-yet-finished order
// tracked in the pool, across every venue, as a best-effort shutdown
// sweep. It does not wait for the cancels to be acknowledged.
func (e *Engine) cancelEverything() {
	for _, o := range e.pool.NotFinished() {
		vr, ok := e.venues[o.Header.ExchangeAccountId]
		if !ok {
			continue
		}
		o := o
		vr := vr
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := vr.facade.CancelOrder(ctx, o); err != nil {
				e.logger.Warn("shutdown cancel failed", "client_order_id", o.Header.ClientOrderId, "error", err)
			}
		}()
	}
}

// RecordFill applies a fill to the order pool, the balance tree's position
// tracking, the per-currency free balance (including the commission leg),
// the strategy-attributed accounting tree, and the owning market's P&L
// accumulator. Handlers.HandleFill's EventSink then republishes the
// resulting lifecycle transition onto the owning venue's EventBus and the
// owning market's disposition.Executor — see engineEventSink below. A
// concrete venue adapter calls RecordFill once it has decoded a fill off
// the user data feed.
func (e *Engine) RecordFill(exchangeId money.ExchangeOrderId, fill orders.Fill) {
	o, ok := e.pool.ByExchangeId(exchangeId)
	if !ok {
		e.logger.Warn("fill for unknown order", "exchange_order_id", exchangeId)
		return
	}
	e.handlers.HandleFill(exchangeId, fill)

	sym, _ := e.symbols.Get(o.Header.CurrencyPair)
	marketAccountId := o.Header.MarketAccountId()
	change := e.balances.ApplyFill(sym, marketAccountId, o.Header.Side, fill.Price, fill.Amount, fill.Commission)

	desc := balance.ConfigDescriptor{
		ServiceName:             balance.ServiceName(o.Header.StrategyName),
		ServiceConfigurationKey: balance.ServiceConfigurationKey(o.Header.ExchangeAccountId.String()),
	}
	deltas := balance.CalculateFillBalanceChanges(sym, o.Header.Side, fill.Price, fill.Amount, fill.Commission, fill.CommissionCurrency)
	for currency, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		e.balances.ApplyBalanceDelta(o.Header.ExchangeAccountId, currency, delta)
		e.balances.Attribution().Add(desc, o.Header.ExchangeAccountId, o.Header.CurrencyPair, currency, delta)
	}

	if vr, ok := e.venues[o.Header.ExchangeAccountId]; ok && !change.RealizedPnL.IsZero() {
		currency := sym.CurrencyPair.Quote
		if sym.IsDerivative && sym.BalanceCurrencyCode != "" {
			currency = sym.BalanceCurrencyCode
		}
		vr.accumulator.AddBalanceChange(pnl.BalanceChange{
			ClientOrderFillId: fill.TradeId,
			Date:              fill.Time,
			Account:           o.Header.ExchangeAccountId,
			MarketAccountId:   marketAccountId,
			CurrencyCode:      currency,
			BalanceChange:     change.RealizedPnL,
			UsdBalanceChange:  change.RealizedPnL,
		})
	}

	e.recorder.Save("fills", fill)
}

// ApplyBookSnapshot replaces a market's order book with a fresh set of
// levels and publishes an OrderBookEvent on the owning venue's bus and a
// BookUpdated reactor event to the market's disposition.Executor. A
// concrete venue adapter calls this once it has decoded a snapshot off the
// market data feed.
func (e *Engine) ApplyBookSnapshot(marketId money.MarketId, bids, asks []orderbook.Level, eventTime time.Time) {
	book, ok := e.books.Get(marketId)
	if !ok {
		return
	}
	book.ApplySnapshot(bids, asks)
	e.publishBookEvent(marketId, exchange.BookSnapshot, eventTime)
}

// ApplyBookDelta merges incremental price-level updates into a market's
// order book and publishes the same pair of events as ApplyBookSnapshot.
func (e *Engine) ApplyBookDelta(marketId money.MarketId, bidUpdates, askUpdates []orderbook.Level, eventTime time.Time) {
	book, ok := e.books.Get(marketId)
	if !ok {
		return
	}
	book.ApplyDelta(bidUpdates, askUpdates)
	e.publishBookEvent(marketId, exchange.BookDelta, eventTime)
}

func (e *Engine) publishBookEvent(marketId money.MarketId, kind exchange.BookEventType, eventTime time.Time) {
	account := accountFromExchangeId(marketId.ExchangeId, e.cfg)
	if vr, ok := e.venues[account]; ok {
		vr.bus.Publish(exchange.ExchangeEvent{
			Kind:      exchange.KindOrderBook,
			OrderBook: exchange.OrderBookEvent{Market: marketId, Type: kind, Time: eventTime},
		})
	}

	for _, mr := range e.markets {
		if mr.account == account && mr.pair == marketId.CurrencyPair {
			select {
			case mr.events <- disposition.Event{Time: eventTime, BookUpdated: true}:
			default:
				e.logger.Warn("market event channel full, dropping book update", "pair", marketId.CurrencyPair.String())
			}
			return
		}
	}
}

// engineEventSink implements orders.EventSink, republishing every order
// lifecycle transition onto its owning venue's EventBus and, for the
// transitions a disposition.Executor reacts to, onto the owning market's
// event channel. It lives here rather than in exchange because Handlers is
// a single engine-wide instance shared by every venue's Facade (see New),
// so only the engine knows which venue and market an order belongs to.
type engineEventSink struct {
	e *Engine
}

func (s *engineEventSink) PublishOrderEvent(ev orders.LifecycleEvent) {
	e := s.e
	account := ev.Order.Header.ExchangeAccountId

	if vr, ok := e.venues[account]; ok {
		vr.bus.Publish(exchange.ExchangeEvent{Kind: exchange.KindOrder, Order: ev})
	}

	var de disposition.Event
	switch ev.Type {
	case orders.EventFilled:
		de = disposition.Event{Time: time.Now(), OrderFilled: ev.Order, Fill: ev.Fill}
	case orders.EventCompleted, orders.EventCancelSucceeded, orders.EventCancelFailed, orders.EventCreateFailed:
		de = disposition.Event{Time: time.Now(), OrderDone: ev.Order}
	default:
		return
	}

	pair := ev.Order.Header.CurrencyPair
	for _, mr := range e.markets {
		if mr.account == account && mr.pair == pair {
			select {
			case mr.events <- de:
			default:
				e.logger.Warn("market event channel full, dropping order event", "pair", pair.String(), "type", ev.Type.String())
			}
			return
		}
	}
}

// bookQuoter adapts orderbook.Store to pricesource.Quoter, scoped to one
// exchange so the P&L converter only ever rebases through that venue's
// own order books.
type bookQuoter struct {
	exchangeId string
	books      *orderbook.Store
}

func (q *bookQuoter) Quote(pair money.CurrencyPair) (money.Decimal, bool) {
	book, ok := q.books.Get(money.MarketId{ExchangeId: q.exchangeId, CurrencyPair: pair})
	if !ok {
		return money.Zero, false
	}
	return book.MidPrice()
}

// chainConverter adapts a pricesource.Registry/Quoter pair to
// pnl.UsdConverter.
type chainConverter struct {
	registry *pricesource.Registry
	quoter   pricesource.Quoter
}

func (c *chainConverter) ConvertToUsd(currency string, amount money.Decimal) (money.Decimal, bool) {
	chain, err := c.registry.BuildChain(currency)
	if err != nil {
		return money.Zero, false
	}
	usd, err := pricesource.Convert(c.quoter, chain, amount)
	if err != nil {
		return money.Zero, false
	}
	return usd, true
}

// venuePositionCloser implements pnl.PositionCloser by submitting a
// market order sized to flatten the account's current position in the
// target pair, on the side opposite the position's sign.
type venuePositionCloser struct {
	facade   *exchange.Facade
	balances *balance.Tree
	symbols  *symbol.Store
}

func (c *venuePositionCloser) ClosePosition(ctx context.Context, account money.ExchangeAccountId, target money.CurrencyPair) error {
	marketAccountId := money.MarketAccountId{ExchangeAccountId: account, CurrencyPair: target}
	pos := c.balances.Position(marketAccountId)
	if pos.Amount.IsZero() {
		return nil
	}

	sym, ok := c.symbols.Get(target)
	if !ok {
		return fmt.Errorf("engine: no symbol configured for %s", target)
	}

	side := orders.Sell
	if pos.Amount.Sign() < 0 {
		side = orders.Buy
	}

	header := orders.Header{
		ClientOrderId:     money.NewClientOrderId("pnl-close"),
		ExchangeAccountId: account,
		CurrencyPair:      target,
		OrderType:         orders.Market,
		Side:              side,
		Amount:            sym.RoundAmount(pos.Amount.Abs()),
	}
	_, err := c.facade.CreateOrder(ctx, header, pos.AvgEntryPrice)
	return err
}
