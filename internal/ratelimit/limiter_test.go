package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBucketTryReserveInstant(t *testing.T) {
	t.Parallel()
	b := NewBucket(2, 1)

	if !b.TryReserveInstant() {
		t.Fatal("expected first reservation to succeed")
	}
	if !b.TryReserveInstant() {
		t.Fatal("expected second reservation to succeed (capacity 2)")
	}
	if b.TryReserveInstant() {
		t.Fatal("expected third reservation to fail with empty bucket")
	}
}

func TestBucketWaitBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	b := NewBucket(1, 1000) // fast refill so the test stays quick
	if !b.TryReserveInstant() {
		t.Fatal("expected initial token to be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("expected Wait to succeed once refilled, got %v", err)
	}
}

func TestBucketWaitRespectsCancellation(t *testing.T) {
	t.Parallel()
	b := NewBucket(1, 0.001) // effectively never refills within the test
	b.TryReserveInstant()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected Wait to return an error on context cancellation")
	}
}

func TestLimiterReserveGroup(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]GroupConfig{
		GroupCreateOrder: {Capacity: 1, RatePerSecond: 1000},
	})

	ctx := context.Background()
	if err := l.ReserveGroup(ctx, GroupCreateOrder); err != nil {
		t.Fatalf("expected reservation to succeed, got %v", err)
	}
}

func TestLimiterUnknownGroupErrors(t *testing.T) {
	t.Parallel()
	l := NewLimiter(DefaultGroups())

	if _, err := l.TryReserveGroupInstant("does_not_exist"); err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestLimiterAddAndRemoveGroup(t *testing.T) {
	t.Parallel()
	l := NewLimiter(nil)

	l.AddGroup("custom", GroupConfig{Capacity: 1, RatePerSecond: 1})
	if ok, err := l.TryReserveGroupInstant("custom"); err != nil || !ok {
		t.Fatalf("expected reservation to succeed after AddGroup, ok=%v err=%v", ok, err)
	}

	l.RemoveGroup("custom")
	if _, err := l.TryReserveGroupInstant("custom"); err == nil {
		t.Fatal("expected error after RemoveGroup")
	}
}

func TestDefaultGroupsHasFourGroups(t *testing.T) {
	t.Parallel()
	groups := DefaultGroups()
	if len(groups) != GroupRequestsCount {
		t.Errorf("expected %d default groups, got %d", GroupRequestsCount, len(groups))
	}
}
