package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBudget_ImmediateBurst(t *testing.T) {
	b := NewBudget(5, 60.0)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("burst token %d failed: %v", i, err)
		}
	}
}

func TestBudget_WaitsAfterBurst(t *testing.T) {
	b := NewBudget(1, 600.0) // 10/sec refill

	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestBudget_CancelledContext(t *testing.T) {
	b := NewBudget(1, 1.0)

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
