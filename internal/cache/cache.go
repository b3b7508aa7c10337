// Package cache implements the two cache variants of spec.md §4.1: a
// fixed-capacity local LRU cache and a Redis-backed remote cache, behind
// a single Cache contract.
package cache

import (
	"context"
	"time"

	"github.com/dist-adapter/ea-framework/internal/model"
)

// Cache is the contract both variants satisfy. Get never blocks longer
// than one RTT to the backing store; Set is idempotent; SetMany is
// atomic at the backing store's granularity.
type Cache interface {
	Get(ctx context.Context, key string) (model.AdapterResponse, bool, error)
	Set(ctx context.Context, key string, value model.AdapterResponse, ttl time.Duration) error
	SetMany(ctx context.Context, entries map[string]model.AdapterResponse, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// forceErrorSubstring is the test-double injection marker of spec.md
// §4.1: "Keys whose canonicalized form contains the literal substring
// force-error are reserved for test double injection — implementations
// should not special-case this in production code." Accordingly neither
// variant below references it; it is declared here only to name the
// reserved marker, and no test in this package uses it.
const forceErrorSubstring = "force-error"
