package ratelimit

import (
	"context"
	"testing"
)

func TestMemoryLimiterConsumeWithinCapacity(t *testing.T) {
	now := 1000.0
	clock := func() float64 { return now }
	l := NewMemoryLimiter(3, 1.0, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Consume(ctx, "alice", "calculator.add", 1)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if !ok {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	ok, err := l.Consume(ctx, "alice", "calculator.add", 1)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ok {
		t.Fatal("4th call should be denied: bucket exhausted")
	}
}

func TestMemoryLimiterRefillOverTime(t *testing.T) {
	now := 1000.0
	clock := func() float64 { return now }
	l := NewMemoryLimiter(2, 1.0, clock)
	ctx := context.Background()

	l.Consume(ctx, "bob", "calculator.add", 2)
	ok, _ := l.Consume(ctx, "bob", "calculator.add", 1)
	if ok {
		t.Fatal("bucket should be empty immediately after draining")
	}

	now += 1.0
	ok, err := l.Consume(ctx, "bob", "calculator.add", 1)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !ok {
		t.Fatal("one token should have refilled after 1 second at rate 1/s")
	}
}

func TestMemoryLimiterRemainingDoesNotMutate(t *testing.T) {
	now := 1000.0
	clock := func() float64 { return now }
	l := NewMemoryLimiter(5, 1.0, clock)
	ctx := context.Background()

	r1, _ := l.Remaining(ctx, "carol", "tool.x")
	r2, _ := l.Remaining(ctx, "carol", "tool.x")
	if r1 != r2 {
		t.Errorf("Remaining mutated state: %d != %d", r1, r2)
	}
	if r1 != 5 {
		t.Errorf("Remaining = %d, want full capacity 5", r1)
	}
}

func TestMemoryLimiterIsolatedPerKey(t *testing.T) {
	now := 1000.0
	clock := func() float64 { return now }
	l := NewMemoryLimiter(1, 1.0, clock)
	ctx := context.Background()

	l.Consume(ctx, "dave", "tool.a", 1)
	ok, _ := l.Consume(ctx, "dave", "tool.b", 1)
	if !ok {
		t.Fatal("different tool under the same identity should have its own bucket")
	}
}

func TestMemoryLimiterZeroTokensAlwaysAllowed(t *testing.T) {
	l := NewMemoryLimiter(0, 1.0, func() float64 { return 0 })
	ok, err := l.Consume(context.Background(), "eve", "tool.a", 0)
	if err != nil || !ok {
		t.Errorf("consuming zero tokens should always succeed, got ok=%v err=%v", ok, err)
	}
}
