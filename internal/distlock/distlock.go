// Package distlock implements the distributed mutex of spec.md §4.4:
// acquired once at writer startup, self-extending on a timer, and
// released cleanly on shutdown with no overlap between extension and
// release. Backed by redsync, the standard Redis-quorum distributed
// lock used elsewhere in the retrieved pack's dependency manifests.
package distlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Lock wraps a redsync mutex with spec.md §4.4's acquire/extend/release
// lifecycle. It is not reusable: create one per writer startup attempt.
type Lock struct {
	mu       *redsync.Mutex
	log      zerolog.Logger
	duration time.Duration

	extendMu   sync.Mutex
	extendStop chan struct{}
	extendDone chan struct{}
}

// New builds a Lock keyed as "{prefix}-{adapterName}" (spec.md §4.4),
// leased for duration.
func New(client goredislib.UniversalClient, log zerolog.Logger, prefix, adapterName string, duration time.Duration) *Lock {
	pool := goredis.NewPool(client)
	rs := redsync.New(pool)

	key := adapterName
	if prefix != "" {
		key = prefix + "-" + adapterName
	}

	mu := rs.NewMutex(key, redsync.WithExpiry(duration))
	return &Lock{
		mu:       mu,
		log:      log.With().Str("component", "distlock").Str("key", key).Logger(),
		duration: duration,
	}
}

// Acquire attempts to take the lock, retrying up to maxRetries times.
// On exhaustion it returns an error the caller should treat as fatal —
// spec.md §4.4 calls for a "quorum not reached" style process exit.
func (l *Lock) Acquire(ctx context.Context, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := l.mu.LockContext(ctx); err != nil {
			lastErr = err
			l.log.Warn().Err(err).Int("attempt", attempt).Msg("lock acquisition failed, retrying")
			select {
			case <-ctx.Done():
				return fmt.Errorf("distlock: acquire: %w", ctx.Err())
			case <-time.After(backoffFor(attempt)):
			}
			continue
		}
		l.log.Info().Msg("lock acquired")
		l.startExtension()
		return nil
	}
	return fmt.Errorf("distlock: quorum not reached after %d retries: %w", maxRetries, lastErr)
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 100 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

// startExtension schedules a background goroutine that re-extends the
// lease at duration/2 intervals, per spec.md §4.4.
func (l *Lock) startExtension() {
	l.extendMu.Lock()
	defer l.extendMu.Unlock()

	l.extendStop = make(chan struct{})
	l.extendDone = make(chan struct{})

	go func() {
		defer close(l.extendDone)
		ticker := time.NewTicker(l.duration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-l.extendStop:
				return
			case <-ticker.C:
				if ok, err := l.mu.Extend(); err != nil || !ok {
					l.log.Warn().Err(err).Bool("ok", ok).Msg("lock extension failed")
				}
			}
		}
	}()
}

// Release cancels the extension timer and releases the lock, in that
// order, so the last extension never races a concurrent release
// (spec.md §4.4 "Extension must not overlap with teardown").
func (l *Lock) Release(ctx context.Context) error {
	l.extendMu.Lock()
	stop, done := l.extendStop, l.extendDone
	l.extendMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	if ok, err := l.mu.UnlockContext(ctx); err != nil || !ok {
		return fmt.Errorf("distlock: release: ok=%v err=%w", ok, err)
	}
	l.log.Info().Msg("lock released")
	return nil
}
