// Package orderbook maintains a local mirror of each venue's order book.
// It generalizes the teacher's internal/market.Book (one YES/NO pair per
// binary market) to an arbitrary bid/ask ladder per money.MarketId, backed
// by decimal prices and amounts instead of parsed float64 strings.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"tradingengine/internal/money"
)

// Level is one price/amount point on a book side.
type Level struct {
	Price  money.Decimal
	Amount money.Decimal
}

// Book is a concurrency-safe local mirror of one market's order book. Bids
// are kept sorted descending by price, asks ascending, so the best price
// on each side is always index 0.
type Book struct {
	mu      sync.RWMutex
	market  money.MarketId
	bids    []Level
	asks    []Level
	updated time.Time
}

func NewBook(market money.MarketId) *Book {
	return &Book{market: market}
}

func (b *Book) Market() money.MarketId {
	return b.market
}

// ApplySnapshot replaces the entire book with a fresh set of levels,
// e.g. from a REST snapshot or a WebSocket full-book event. Zero-amount
// levels are dropped; the remainder is sorted into best-first order.
func (b *Book) ApplySnapshot(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = sortLevels(bids, true)
	b.asks = sortLevels(asks, false)
	b.updated = time.Now()
}

// ApplyDelta merges incremental price-level updates into the existing
// book: a level with a zero amount removes that price, otherwise the
// level is inserted or replaces the existing one at that price.
func (b *Book) ApplyDelta(bidUpdates, askUpdates []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = mergeLevels(b.bids, bidUpdates, true)
	b.asks = mergeLevels(b.asks, askUpdates, false)
	b.updated = time.Now()
}

func sortLevels(levels []Level, descending bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Amount.Sign() > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func mergeLevels(existing, updates []Level, descending bool) []Level {
	byPrice := make(map[string]Level, len(existing)+len(updates))
	for _, l := range existing {
		byPrice[l.Price.String()] = l
	}
	for _, u := range updates {
		key := u.Price.String()
		if u.Amount.Sign() <= 0 {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = u
	}

	out := make([]Level, 0, len(byPrice))
	for _, l := range byPrice {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// BestBidAsk returns the top-of-book price on each side. ok is false if
// either side is empty.
func (b *Book) BestBidAsk() (bid, ask money.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return money.Zero, money.Zero, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// MidPrice returns (bestBid+bestAsk)/2, the reference price fed into the
// disposition strategy's reservation-price calculation.
func (b *Book) MidPrice() (money.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return money.Zero, false
	}
	return bid.Add(ask).Div(money.FromFloat(2)), true
}

// Bids returns a copy of the current bid ladder, best price first.
func (b *Book) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.bids))
	copy(out, b.bids)
	return out
}

// Asks returns a copy of the current ask ladder, best price first.
func (b *Book) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Level, len(b.asks))
	copy(out, b.asks)
	return out
}

// IsStale reports whether the book has gone without an update longer than
// maxAge — the disposition executor refuses to quote against a stale book.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Store is a concurrency-safe registry of Books keyed by MarketId.
type Store struct {
	mu    sync.RWMutex
	books map[money.MarketId]*Book
}

func NewStore() *Store {
	return &Store{books: make(map[money.MarketId]*Book)}
}

// GetOrCreate returns the Book for market, creating and registering one if
// it does not yet exist.
func (s *Store) GetOrCreate(market money.MarketId) *Book {
	s.mu.RLock()
	b, ok := s.books[market]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[market]; ok {
		return b
	}
	b = NewBook(market)
	s.books[market] = b
	return b
}

func (s *Store) Get(market money.MarketId) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[market]
	return b, ok
}

func (s *Store) Remove(market money.MarketId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, market)
}
