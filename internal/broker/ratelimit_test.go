package broker

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(3, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait() #%d: %v", i, err)
		}
	}
}

func TestTokenBucketBlocksWhenExhausted(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 2) // refills at 2/sec
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("second Wait() returned after %v, expected to block for refill", elapsed)
	}
}

func TestTokenBucketRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.01) // effectively never refills within test window
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelCtx); err == nil {
		t.Fatal("expected context deadline error")
	}
}
