// Package subscription implements the time-expiring parameter-tuple set
// of spec.md §4.2: the set the foreground request path populates and the
// background executor drains on each tick.
package subscription

import (
	"context"
	"time"

	"github.com/dist-adapter/ea-framework/internal/model"
)

// Set is the contract both variants satisfy. add is an upsert that
// refreshes expiry to the max of any concurrent add for the same
// params (spec.md §4.2 "Ordering"). getAll never returns expired
// entries.
type Set interface {
	Add(ctx context.Context, params map[string]any, ttl time.Duration, cacheKey string) error
	GetAll(ctx context.Context) ([]model.SubscriptionEntry, error)
	Remove(ctx context.Context, params map[string]any) error
}
