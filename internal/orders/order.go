// Package orders models one order's full lifecycle: the registry that
// indexes live orders by client and exchange id, the aggregate that holds
// its header/fills/internal bookkeeping, and (in handlers.go) the state
// transitions driven by exchange responses.
//
// The aggregate shape is grounded on original_source/domain/src/order/snapshot.rs
// (OrderHeader/OrderSimpleProps/OrderFills/SystemInternalOrderProps), the
// registry on the teacher's mutex-guarded-map idiom (internal/engine.Engine.slots,
// internal/risk.Manager's market maps).
package orders

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tradingengine/internal/money"
)

// ErrLogicViolation marks a transition the venue's own contract guarantees
// cannot happen (an exchange id reassigned, a create-succeeded response
// after the order was already marked FailedToCreate). Recovering from one
// would hide a venue adapter bug rather than fix it, so callers panic with
// an error wrapping this sentinel instead of limping on with corrupted
// state (spec.md §7).
var ErrLogicViolation = errors.New("orders: logic violation")

func panicLogicViolation(msg string) {
	panic(fmt.Errorf("%w: %s", ErrLogicViolation, msg))
}

// Side is the direction of an order.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Role is whether a fill took or provided liquidity.
type Role int

const (
	RoleUnknown Role = iota
	Maker
	Taker
)

// Type is the order's execution instruction.
type Type int

const (
	TypeUnknown Type = iota
	Limit
	Market
	StopLoss
	TrailingStop
	Liquidation
	ClosePosition
	MissedFill
)

// IsExternal reports whether this order type originates outside the
// engine's own disposition logic (a position closed by the venue, a fill
// discovered without a matching local order).
func (t Type) IsExternal() bool {
	return t == Liquidation || t == ClosePosition || t == MissedFill
}

// ExecutionType further constrains how a Limit order may fill.
type ExecutionType int

const (
	ExecutionNone ExecutionType = iota
	MakerOnly
)

// Status is the order lifecycle state. Transitions are driven by
// handlers.go in response to exchange events.
type Status int

const (
	Creating Status = iota
	Created
	FailedToCreate
	Canceling
	Canceled
	FailedToCancel
	Completed
)

// IsFinished reports whether no further transitions are expected for this
// status: the order will neither fill further nor be canceled again.
func (s Status) IsFinished() bool {
	switch s {
	case Canceled, FailedToCancel, Completed, FailedToCreate:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case Creating:
		return "creating"
	case Created:
		return "created"
	case FailedToCreate:
		return "failed_to_create"
	case Canceling:
		return "canceling"
	case Canceled:
		return "canceled"
	case FailedToCancel:
		return "failed_to_cancel"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// EventSourceType records what triggered a creation or cancellation event,
// distinguishing a response to our own request from an out-of-band
// notification (a fallback poll, a missed WS event recovered later).
type EventSourceType int

const (
	SourceUnknown EventSourceType = iota
	SourceRequest
	SourceWebsocket
	SourceFallbackPoll
)

// Header is the immutable identity of an order, set at creation and never
// mutated afterward.
type Header struct {
	ClientOrderId     money.ClientOrderId
	ExchangeAccountId money.ExchangeAccountId
	CurrencyPair      money.CurrencyPair
	OrderType         Type
	Side              Side
	Amount            money.Decimal
	ExecutionType     ExecutionType
	ReservationId     money.ReservationId
	StrategyName      string
	SignalId          string
}

func (h Header) MarketAccountId() money.MarketAccountId {
	return money.MarketAccountId{ExchangeAccountId: h.ExchangeAccountId, CurrencyPair: h.CurrencyPair}
}

func (h Header) MarketId() money.MarketId {
	return money.MarketId{ExchangeId: h.ExchangeAccountId.ExchangeId, CurrencyPair: h.CurrencyPair}
}

// SimpleProps holds the mutable price/role/status fields that change as
// the order moves through its lifecycle.
type SimpleProps struct {
	InitTime        time.Time
	Price           money.Decimal
	Role            Role
	ExchangeOrderId money.ExchangeOrderId
	Status          Status
	FinishedTime    time.Time
}

// Fill is one execution against an order.
type Fill struct {
	TradeId            string
	Price              money.Decimal
	Amount             money.Decimal
	Commission         money.Decimal
	CommissionCurrency string
	Role               Role
	Time               time.Time
}

// Fills tracks the accumulated executions of an order.
type Fills struct {
	Items        []Fill
	FilledAmount money.Decimal
}

// InternalProps carries bookkeeping that never crosses the venue boundary:
// where the last creation/cancellation signal came from, the last error
// seen, and flags needed to interpret a late or duplicate response
// correctly (grounded on SystemInternalOrderProps in snapshot.rs).
type InternalProps struct {
	CreationEventSourceType     EventSourceType
	CancellationEventSourceType EventSourceType
	LastCreationError           string
	LastCancellationError       string
	IsCanceling                 bool
	CanceledNotFromWaitCancel   bool
	WasCancellationEventRaised  bool
	HandledByBalanceRecovery    bool

	// FilledAmountAfterCancellation is the filled_amount the venue reported
	// at the moment it confirmed cancellation, recorded so a later audit
	// can compare it against Fills.FilledAmount without re-querying the
	// venue (spec.md §4.4 missed-fill detection).
	FilledAmountAfterCancellation money.Decimal
}

// Order is the full aggregate tracked for the life of one order.
type Order struct {
	mu sync.Mutex

	Header   Header
	Simple   SimpleProps
	Fills    Fills
	Internal InternalProps
}

// NewOrder constructs an order in the Creating state.
func NewOrder(header Header) *Order {
	return &Order{
		Header: header,
		Simple: SimpleProps{
			InitTime: time.Now(),
			Status:   Creating,
		},
	}
}

// WithLock runs fn with the order's internal lock held, the narrow-scope
// equivalent of the teacher's RWMutex-guarded maps but applied per-order
// instead of per-collection.
func (o *Order) WithLock(fn func(*Order)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

// RemainingAmount is the order amount not yet filled.
func (o *Order) RemainingAmount() money.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Header.Amount.Sub(o.Fills.FilledAmount)
}

// SetExchangeOrderId assigns the venue-issued id exactly once. A repeated
// call with the same id is a harmless duplicate (a retried create response,
// a replayed websocket event) and is a no-op; a repeated call with a
// *different* id means the venue reassigned an id it already issued, which
// never happens on a correctly-behaving venue and is treated as a logic
// violation rather than silently overwritten.
func (o *Order) SetExchangeOrderId(id money.ExchangeOrderId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Simple.ExchangeOrderId == "" {
		o.Simple.ExchangeOrderId = id
		return
	}
	if o.Simple.ExchangeOrderId != id {
		panicLogicViolation(fmt.Sprintf("exchange order id for %s already set to %s, cannot overwrite with %s",
			o.Header.ClientOrderId, o.Simple.ExchangeOrderId, id))
	}
}
