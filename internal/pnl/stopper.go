package pnl

import (
	"context"
	"log/slog"
	"sync"

	"tradingengine/internal/blocker"
	"tradingengine/internal/money"
)

// ReasonProfitLossExceeded is the blocker.Reason this stopper raises and
// clears. It is a fixed string (rather than per-account) so every
// stopper instance contends for the same reason slot on a given account,
// matching spec.md §4.8's "reason-tagged so multiple independent
// stoppers can coexist without racing".
const ReasonProfitLossExceeded blocker.Reason = "ProfitLossExceeded"

// PositionCloser requests the venue close the account's position in
// target market — the "request position close" step check() takes
// before blocking, so a breached account stops bleeding before it stops
// trading.
type PositionCloser interface {
	ClosePosition(ctx context.Context, account money.ExchangeAccountId, target money.CurrencyPair) error
}

// Stopper enforces one account's P&L kill switch: block trading once
// rolling USD P&L drops to or below -Limit, unblock once it recovers
// above that threshold. Block/unblock are idempotent per spec.md §8
// property 8 — re-checking an already-tripped breach does not re-block,
// and recovery unblocks exactly once.
type Stopper struct {
	mu      sync.Mutex
	account money.ExchangeAccountId
	target  money.CurrencyPair
	limit   money.Decimal
	blocker *blocker.Blocker
	closer  PositionCloser
	logger  *slog.Logger

	tripped bool
}

func NewStopper(account money.ExchangeAccountId, target money.CurrencyPair, limit money.Decimal, blk *blocker.Blocker, closer PositionCloser, logger *slog.Logger) *Stopper {
	return &Stopper{
		account: account,
		target:  target,
		limit:   limit,
		blocker: blk,
		closer:  closer,
		logger:  logger.With("component", "pnl.stopper", "account", account.String()),
	}
}

// Check evaluates the current rolling USD change against the limit. It
// is safe to call on every P&L recomputation — repeated breaches while
// already blocked are no-ops, and repeated recoveries while already
// clear are no-ops.
func (s *Stopper) Check(ctx context.Context, usdChange money.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if usdChange.LessThanOrEqual(s.limit.Neg()) {
		if s.closer != nil {
			if err := s.closer.ClosePosition(ctx, s.account, s.target); err != nil {
				s.logger.Warn("failed to close position on P&L breach", "error", err)
			}
		}
		if !s.blocker.IsBlockedByReason(s.account, ReasonProfitLossExceeded) {
			s.blocker.Block(s.account, ReasonProfitLossExceeded, blocker.Manual)
			s.logger.Error("P&L limit breached, account blocked",
				"usd_change", usdChange.String(), "limit", s.limit.String())
		}
		s.tripped = true
		return
	}

	if s.blocker.IsBlockedByReason(s.account, ReasonProfitLossExceeded) {
		s.blocker.Unblock(s.account, ReasonProfitLossExceeded)
		s.logger.Info("P&L recovered, account unblocked", "usd_change", usdChange.String())
	}
	s.tripped = false
}

// Tripped reports whether the last Check call found a breach.
func (s *Stopper) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}
