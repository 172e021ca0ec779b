package ratelimit

import (
	"context"
	"fmt"
	"sync"
)

// GroupConfig sets a named request group's burst capacity and refill rate.
type GroupConfig struct {
	Capacity float64
	RatePerSecond float64
}

// GroupRequestsCount is the number of request groups each exchange
// connection tracks independently: order placement, order cancellation,
// order-status polling, and balance/account queries. Every venue gets the
// same four groups even if its published limits differ only by number.
const GroupRequestsCount = 4

const (
	GroupCreateOrder  = "create_order"
	GroupCancelOrder  = "cancel_order"
	GroupPollOrders   = "poll_orders"
	GroupGetBalance   = "get_balance"
)

// DefaultGroups returns a conservative default configuration for the four
// standard groups, intended to be overridden per venue from config.
func DefaultGroups() map[string]GroupConfig {
	return map[string]GroupConfig{
		GroupCreateOrder: {Capacity: 50, RatePerSecond: 10},
		GroupCancelOrder: {Capacity: 50, RatePerSecond: 10},
		GroupPollOrders:  {Capacity: 20, RatePerSecond: 5},
		GroupGetBalance:  {Capacity: 10, RatePerSecond: 2},
	}
}

// Limiter owns one Bucket per named request group for one exchange
// account. Groups can be added or removed at runtime (a venue connection
// closing removes its groups so the map doesn't grow unbounded).
type Limiter struct {
	mu     sync.RWMutex
	groups map[string]*Bucket
}

func NewLimiter(configs map[string]GroupConfig) *Limiter {
	l := &Limiter{groups: make(map[string]*Bucket, len(configs))}
	for name, cfg := range configs {
		l.groups[name] = NewBucket(cfg.Capacity, cfg.RatePerSecond)
	}
	return l
}

// ReserveGroup blocks until a token is available in the named group's
// bucket, or ctx is cancelled.
func (l *Limiter) ReserveGroup(ctx context.Context, name string) error {
	b, ok := l.bucket(name)
	if !ok {
		return fmt.Errorf("ratelimit: unknown group %q", name)
	}
	return b.Wait(ctx)
}

// TryReserveGroupInstant attempts a non-blocking reservation, used by
// callers that would rather skip a request than wait (e.g. an opportunistic
// balance refresh).
func (l *Limiter) TryReserveGroupInstant(name string) (bool, error) {
	b, ok := l.bucket(name)
	if !ok {
		return false, fmt.Errorf("ratelimit: unknown group %q", name)
	}
	return b.TryReserveInstant(), nil
}

// AddGroup registers or replaces a named group's bucket.
func (l *Limiter) AddGroup(name string, cfg GroupConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups[name] = NewBucket(cfg.Capacity, cfg.RatePerSecond)
}

// RemoveGroup drops a named group. Reserving against a removed group
// returns an error until it is re-added.
func (l *Limiter) RemoveGroup(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.groups, name)
}

func (l *Limiter) bucket(name string) (*Bucket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.groups[name]
	return b, ok
}
