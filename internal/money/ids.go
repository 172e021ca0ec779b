// Package money defines the fixed-precision decimal type and the opaque
// identifier newtypes shared across every other package. It has no
// dependencies on internal packages, so it can be imported by any layer —
// the same role pkg/types played in the teacher repo.
package money

import (
	"fmt"
	"sync/atomic"
)

// ClientOrderId is assigned locally when an order is created. It is
// monotone within a process (see NewClientOrderId) and unique across the
// lifetime of the engine.
type ClientOrderId string

// ExchangeOrderId is assigned by the venue once it acknowledges an order.
// It may be set on an order exactly once (see orders.Order.SetExchangeOrderId).
type ExchangeOrderId string

// ReservationId is a process-wide monotone 64-bit id for a balance
// reservation.
type ReservationId uint64

var reservationSeq uint64

// NewReservationId returns the next reservation id. Safe for concurrent use.
func NewReservationId() ReservationId {
	return ReservationId(atomic.AddUint64(&reservationSeq, 1))
}

var clientOrderSeq uint64

// NewClientOrderId returns a locally-unique, monotone client order id
// prefixed with the given strategy name so logs remain attributable.
func NewClientOrderId(strategyName string) ClientOrderId {
	n := atomic.AddUint64(&clientOrderSeq, 1)
	return ClientOrderId(fmt.Sprintf("%s-%d", strategyName, n))
}

// ExchangeAccountId identifies one credentialed connection to a venue:
// the venue code plus an instance number (a process may run several
// accounts against the same venue).
type ExchangeAccountId struct {
	ExchangeId string
	Instance   uint8
}

func (a ExchangeAccountId) String() string {
	return fmt.Sprintf("%s/%d", a.ExchangeId, a.Instance)
}

// CurrencyPair is a base/quote pair, e.g. BTC/USDT.
type CurrencyPair struct {
	Base  string
	Quote string
}

func NewCurrencyPair(base, quote string) CurrencyPair {
	return CurrencyPair{Base: base, Quote: quote}
}

func (p CurrencyPair) String() string {
	return p.Base + "/" + p.Quote
}

// MarketAccountId scopes a currency pair to a specific exchange account —
// the unit balances and reservations are tracked against.
type MarketAccountId struct {
	ExchangeAccountId ExchangeAccountId
	CurrencyPair      CurrencyPair
}

func (m MarketAccountId) String() string {
	return m.ExchangeAccountId.String() + ":" + m.CurrencyPair.String()
}

// MarketId scopes a currency pair to a venue (not a specific account) —
// the unit order books and price sources are tracked against.
type MarketId struct {
	ExchangeId   string
	CurrencyPair CurrencyPair
}

func (m MarketId) String() string {
	return m.ExchangeId + ":" + m.CurrencyPair.String()
}
