package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/model"
)

// Local is an in-memory subscription set: a map from canonical params
// string to (params, expiresAt, cacheKey). Not suitable for multi-replica
// writer mode (spec.md §9 "Open questions" — it does not coordinate
// across replicas).
type Local struct {
	mu      sync.Mutex
	entries map[string]model.SubscriptionEntry
	now     func() time.Time
}

// NewLocal creates an empty local subscription set.
func NewLocal() *Local {
	return &Local{entries: make(map[string]model.SubscriptionEntry), now: time.Now}
}

func (s *Local) Add(_ context.Context, params map[string]any, ttl time.Duration, cacheKey string) error {
	member, err := cachekey.Canonical(params)
	if err != nil {
		return fmt.Errorf("subscription: canonicalize params: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newExpiry := s.now().Add(ttl)
	if existing, ok := s.entries[member]; ok && existing.ExpiresAt.After(newExpiry) {
		// Two concurrent adds with overlapping params yield the max
		// expiresAt (spec.md §4.2 "Ordering").
		newExpiry = existing.ExpiresAt
	}

	s.entries[member] = model.SubscriptionEntry{Params: params, ExpiresAt: newExpiry, CacheKey: cacheKey}
	return nil
}

// GetAll returns all entries that are not expired as of now. Expired
// entries linger physically until the next background sweep call
// (spec.md §3 invariants — getAll never surfaces them, but nothing
// requires prompt physical removal).
func (s *Local) GetAll(_ context.Context) ([]model.SubscriptionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]model.SubscriptionEntry, 0, len(s.entries))
	for member, entry := range s.entries {
		if !entry.Live(now) {
			delete(s.entries, member)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Local) Remove(_ context.Context, params map[string]any) error {
	member, err := cachekey.Canonical(params)
	if err != nil {
		return fmt.Errorf("subscription: canonicalize params: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, member)
	return nil
}
