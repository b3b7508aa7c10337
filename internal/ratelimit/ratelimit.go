// Package ratelimit implements the advisory, tiered rate limiter of
// spec.md §4.3: it resolves a per-adapter budget across tiers
// (rateLimit1s/1m/1h), allocates slices of that budget to individual
// endpoints, and exposes msUntilNextExecution for the background
// executor to pace itself by. Foreground REST admission is a separate,
// enforcing concern built on top via golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultIntervalMs is used for any endpoint with no tier configured
// at all (spec.md §4.3 "uses a default 5000 ms interval").
const defaultIntervalMs = 5000

// Tiers holds an adapter's three rate-limit ceilings, any of which may
// be zero meaning "not configured".
type Tiers struct {
	PerSecond float64
	PerMinute float64
	PerHour   float64
}

// effectivePerSecond resolves the lowest per-second rate implied by
// the three tiers, per spec.md §4.3 "resolves the lowest-per-second
// effective rate".
func (t Tiers) effectivePerSecond() (float64, bool) {
	rates := make([]float64, 0, 3)
	if t.PerSecond > 0 {
		rates = append(rates, t.PerSecond)
	}
	if t.PerMinute > 0 {
		rates = append(rates, t.PerMinute/60)
	}
	if t.PerHour > 0 {
		rates = append(rates, t.PerHour/3600)
	}
	if len(rates) == 0 {
		return 0, false
	}
	sort.Float64s(rates)
	return rates[0], true
}

// EndpointAllocation describes one endpoint's share of the adapter's
// budget: either an explicit percentage, or an even split of whatever
// remains once explicit allocations are subtracted.
type EndpointAllocation struct {
	Name                 string
	AllocationPercentage float64 // fraction of the budget (0.6 = 60%); 0 means "unallocated, split the remainder"
}

// Limiter resolves msUntilNextExecution per endpoint and gates
// foreground REST admission. It is built once at startup from the
// adapter's configured tiers and endpoint list.
type Limiter struct {
	mu        sync.RWMutex
	intervals map[string]time.Duration

	restMu      sync.Mutex
	restLimiter *rate.Limiter
}

// New computes each endpoint's msUntilNextExecution interval up front.
// When tiers resolve to no effective rate, every endpoint gets the
// default 5000ms interval and REST admission is left unbounded (nil
// rate.Limiter, isUnderLimits always true).
func New(tiers Tiers, endpoints []EndpointAllocation) *Limiter {
	l := &Limiter{intervals: make(map[string]time.Duration, len(endpoints))}

	perSecond, ok := tiers.effectivePerSecond()
	if !ok || perSecond <= 0 {
		for _, ep := range endpoints {
			l.intervals[ep.Name] = defaultIntervalMs * time.Millisecond
		}
		return l
	}

	l.restLimiter = rate.NewLimiter(rate.Limit(perSecond), maxBurst(perSecond))

	var explicitPct float64
	var unallocated []string
	for _, ep := range endpoints {
		if ep.AllocationPercentage > 0 {
			explicitPct += ep.AllocationPercentage
		} else {
			unallocated = append(unallocated, ep.Name)
		}
	}

	remainingPct := 1 - explicitPct
	if remainingPct < 0 {
		remainingPct = 0
	}
	var evenShare float64
	if len(unallocated) > 0 {
		evenShare = remainingPct / float64(len(unallocated))
	}

	for _, ep := range endpoints {
		share := ep.AllocationPercentage
		if share <= 0 {
			share = evenShare
		}
		l.intervals[ep.Name] = intervalForShare(perSecond, share)
	}

	return l
}

func intervalForShare(perSecond, share float64) time.Duration {
	endpointRate := perSecond * share
	if endpointRate <= 0 {
		return defaultIntervalMs * time.Millisecond
	}
	return time.Duration(float64(time.Second) / endpointRate)
}

// maxBurst caps burst capacity at the whole-number per-second rate,
// rounded up, with a floor of 1 — bursts track the configured rate
// rather than allowing unbounded accumulation between executor ticks.
func maxBurst(perSecond float64) int {
	burst := int(perSecond + 0.999)
	if burst < 1 {
		return 1
	}
	return burst
}

// MsUntilNextExecution returns how many milliseconds the background
// executor should sleep before its next invocation of endpointName's
// handler. Unknown endpoints get the default interval.
func (l *Limiter) MsUntilNextExecution(endpointName string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	interval, ok := l.intervals[endpointName]
	if !ok {
		return defaultIntervalMs
	}
	return interval.Milliseconds()
}

// IsUnderLimits reports whether a foreground REST call may proceed
// right now. It is a point-in-time check, not a reservation — the
// caller's retry loop (spec.md §4.3) is responsible for re-polling.
func (l *Limiter) IsUnderLimits() bool {
	l.restMu.Lock()
	defer l.restMu.Unlock()
	if l.restLimiter == nil {
		return true
	}
	return l.restLimiter.Allow()
}

// WaitUnderLimits polls IsUnderLimits up to maxRetries times, sleeping
// msBetweenRetries between attempts, per spec.md §4.3's REST admission
// contract. Returns false if the budget was never available within the
// retry window, at which point the caller fails the request with 504.
func (l *Limiter) WaitUnderLimits(ctx context.Context, maxRetries int, msBetweenRetries int64) bool {
	for attempt := 0; ; attempt++ {
		if l.IsUnderLimits() {
			return true
		}
		if attempt >= maxRetries {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(msBetweenRetries) * time.Millisecond):
		}
	}
}
