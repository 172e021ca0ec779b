package orders

import (
	"sync"

	"tradingengine/internal/money"
)

// BufferedFillsManager holds fills and cancel notifications that name an
// exchange_order_id the pool does not yet recognize. A venue's user-data
// feed can report a fill, or even a cancel confirmation, before our own
// create-order response (or its fallback poll) has linked that id to an
// order. Buffered entries are replayed in order once
// Handlers.HandleCreateSucceeded indexes the order, per spec.md §4.3's C8
// contract.
type BufferedFillsManager struct {
	mu      sync.Mutex
	fills   map[money.ExchangeOrderId][]Fill
	cancels map[money.ExchangeOrderId]EventSourceType
}

func NewBufferedFillsManager() *BufferedFillsManager {
	return &BufferedFillsManager{
		fills:   make(map[money.ExchangeOrderId][]Fill),
		cancels: make(map[money.ExchangeOrderId]EventSourceType),
	}
}

// BufferFill records a fill observed for an exchange id not yet indexed.
func (b *BufferedFillsManager) BufferFill(id money.ExchangeOrderId, fill Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills[id] = append(b.fills[id], fill)
}

// BufferCancel records a cancel confirmation observed for an exchange id
// not yet indexed. Only the most recent source is kept; a cancel can only
// be confirmed once.
func (b *BufferedFillsManager) BufferCancel(id money.ExchangeOrderId, source EventSourceType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels[id] = source
}

// DrainFills returns and forgets every fill buffered for id, oldest first.
func (b *BufferedFillsManager) DrainFills(id money.ExchangeOrderId) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	fills := b.fills[id]
	delete(b.fills, id)
	return fills
}

// TakeCancel returns and forgets the cancel buffered for id, if any.
func (b *BufferedFillsManager) TakeCancel(id money.ExchangeOrderId) (EventSourceType, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	source, ok := b.cancels[id]
	delete(b.cancels, id)
	return source, ok
}
