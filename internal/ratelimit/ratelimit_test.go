package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNew_NoTiers_UsesDefaultInterval(t *testing.T) {
	l := New(Tiers{}, []EndpointAllocation{{Name: "prices"}, {Name: "quotes"}})

	if got := l.MsUntilNextExecution("prices"); got != defaultIntervalMs {
		t.Errorf("prices interval = %d, want %d", got, defaultIntervalMs)
	}
	if got := l.MsUntilNextExecution("unknown"); got != defaultIntervalMs {
		t.Errorf("unknown endpoint interval = %d, want %d", got, defaultIntervalMs)
	}
	if !l.IsUnderLimits() {
		t.Error("IsUnderLimits should be true with no configured tiers")
	}
}

func TestNew_EvenSplitAmongUnallocated(t *testing.T) {
	l := New(Tiers{PerSecond: 10}, []EndpointAllocation{
		{Name: "a"}, {Name: "b"},
	})

	wantMs := int64(200) // 10/s split 2 ways = 5/s per endpoint = 200ms
	if got := l.MsUntilNextExecution("a"); got != wantMs {
		t.Errorf("a interval = %d, want %d", got, wantMs)
	}
	if got := l.MsUntilNextExecution("b"); got != wantMs {
		t.Errorf("b interval = %d, want %d", got, wantMs)
	}
}

func TestNew_ExplicitAllocationReducesRemainder(t *testing.T) {
	l := New(Tiers{PerSecond: 10}, []EndpointAllocation{
		{Name: "heavy", AllocationPercentage: 0.8},
		{Name: "light"},
	})

	// heavy gets 80% of 10/s = 8/s = 125ms; light gets the remaining 20% = 2/s = 500ms
	if got := l.MsUntilNextExecution("heavy"); got != 125 {
		t.Errorf("heavy interval = %d, want 125", got)
	}
	if got := l.MsUntilNextExecution("light"); got != 500 {
		t.Errorf("light interval = %d, want 500", got)
	}
}

func TestNew_LowestTierWins(t *testing.T) {
	// 1/s effective from PerSecond, vs 120/60=2/s from PerMinute: PerSecond is lower.
	l := New(Tiers{PerSecond: 1, PerMinute: 120}, []EndpointAllocation{{Name: "solo"}})
	if got := l.MsUntilNextExecution("solo"); got != 1000 {
		t.Errorf("solo interval = %d, want 1000", got)
	}
}

func TestIsUnderLimits_ExhaustsBurstThenRecovers(t *testing.T) {
	l := New(Tiers{PerSecond: 10}, []EndpointAllocation{{Name: "solo"}})

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.IsUnderLimits() {
			allowed++
		}
	}
	if allowed == 0 || allowed >= 20 {
		t.Errorf("expected partial admission within burst, got %d/20", allowed)
	}

	time.Sleep(150 * time.Millisecond)
	if !l.IsUnderLimits() {
		t.Error("expected admission to recover after waiting for refill")
	}
}

func TestWaitUnderLimits_FailsAfterRetries(t *testing.T) {
	l := New(Tiers{PerSecond: 1}, []EndpointAllocation{{Name: "solo"}})
	// Exhaust the single-token burst.
	l.IsUnderLimits()

	ctx := context.Background()
	ok := l.WaitUnderLimits(ctx, 2, 10)
	if ok {
		t.Error("expected WaitUnderLimits to fail within a short retry window")
	}
}

func TestWaitUnderLimits_ContextCancelled(t *testing.T) {
	l := New(Tiers{PerSecond: 1}, []EndpointAllocation{{Name: "solo"}})
	l.IsUnderLimits()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if l.WaitUnderLimits(ctx, 5, 50) {
		t.Error("expected WaitUnderLimits to fail immediately on a cancelled context")
	}
}
