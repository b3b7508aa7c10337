package transport

import (
	"context"
	"math"
	"sync"
	"time"
)

// BackgroundCapable is the common contract of spec.md §4.8 shared by
// every subscription-based transport (batch-HTTP, WebSocket, SSE).
// Composition replaces the source's StreamingTransport/
// SubscriptionTransport inheritance chain (spec.md §9): each concrete
// transport embeds a *Backoff and implements BackgroundExecute itself,
// calling the Backoff component directly rather than through a shared
// base class.
type BackgroundCapable interface {
	RegisterRequest(ctx context.Context, params, settings map[string]any) error
	BackgroundExecute(ctx context.Context) error
}

// BackoffConfig bounds the retry backoff of spec.md §4.8 step 4.
type BackoffConfig struct {
	MinMs      int64
	ExpFactor  float64
	MaxMs      int64
}

// Backoff implements the per-transport retry/backoff state machine:
// on error, backoff = min(MinMs * ExpFactor^retryCount, MaxMs); a
// subsequent tick before retryNotBefore is a no-op; one success resets
// retryCount to zero.
type Backoff struct {
	cfg BackoffConfig

	mu             sync.Mutex
	retryCount     int
	retryNotBefore time.Time
}

// NewBackoff builds a Backoff from cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg}
}

// ShouldSkip reports whether the caller is still inside a backoff
// window and should treat this tick as a no-op.
func (b *Backoff) ShouldSkip(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.retryNotBefore)
}

// RecordError advances the backoff state after a failed tick.
func (b *Backoff) RecordError(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delayMs := float64(b.cfg.MinMs) * math.Pow(b.cfg.ExpFactor, float64(b.retryCount))
	if delayMs > float64(b.cfg.MaxMs) {
		delayMs = float64(b.cfg.MaxMs)
	}
	b.retryCount++
	b.retryNotBefore = now.Add(time.Duration(delayMs) * time.Millisecond)
}

// RecordSuccess resets the backoff window after a successful tick.
func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retryCount = 0
	b.retryNotBefore = time.Time{}
}
