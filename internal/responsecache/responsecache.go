// Package responsecache implements the response-shaping facade of
// spec.md §4.5: it sits in front of a raw cache.Cache and adds
// cache-key computation, status-code stamping, feed-id computation,
// sensitive-value censoring, and per-write metrics.
package responsecache

import (
	"context"
	"fmt"
	"time"

	"github.com/dist-adapter/ea-framework/internal/cache"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/model"
	"github.com/dist-adapter/ea-framework/internal/obsv"
)

// Entry is one {params, response} pair passed to Write.
type Entry struct {
	Params   map[string]any
	Response model.AdapterResponse
}

// ResponseCache wraps a raw cache with the shaping logic of spec.md
// §4.5. It is safe for concurrent use; the underlying cache.Cache
// implementation owns its own synchronization.
type ResponseCache struct {
	raw       cache.Cache
	metrics   *obsv.Metrics
	prefix    string
	sensitive []SensitiveValue
	enableFeedMetrics bool
}

// New builds a facade over raw. sensitive lists every setting value
// that must be redacted from cached response bodies (spec.md §4.5
// "Censoring"). enableFeedMetrics controls whether the computed
// feedId is attached to response.Meta.Metrics.
func New(raw cache.Cache, metrics *obsv.Metrics, prefix string, sensitive []SensitiveValue, enableFeedMetrics bool) *ResponseCache {
	return &ResponseCache{
		raw:               raw,
		metrics:           metrics,
		prefix:            prefix,
		sensitive:         sensitive,
		enableFeedMetrics: enableFeedMetrics,
	}
}

// Read is a thin delegate to the underlying cache, per spec.md §4.5
// "read(cacheKey) -> AdapterResponse | none", with hit/miss metrics.
func (rc *ResponseCache) Read(ctx context.Context, adapterName, endpoint, cacheKey string) (model.AdapterResponse, bool, error) {
	resp, ok, err := rc.raw.Get(ctx, cacheKey)
	if err != nil {
		return model.AdapterResponse{}, false, err
	}
	if ok {
		rc.metrics.CacheHit.WithLabelValues(adapterName, endpoint).Inc()
	} else {
		rc.metrics.CacheMiss.WithLabelValues(adapterName, endpoint).Inc()
	}
	return resp, ok, nil
}

// Write computes cache keys, stamps status codes, computes feedIds,
// censors sensitive values, and issues a single batched SetMany with
// ttl, per spec.md §4.5 steps 1-5. inputSchemaFields names the params
// keys that participate in the feedId (spec.md: "params filtered to
// input-schema fields").
func (rc *ResponseCache) Write(ctx context.Context, adapterName, endpoint, transport string, entries []Entry, ttl time.Duration, inputSchemaFields []string) error {
	if len(entries) == 0 {
		return nil
	}

	batch := make(map[string]model.AdapterResponse, len(entries))
	now := time.Now()

	for _, e := range entries {
		key, err := cachekey.Key(rc.prefix, adapterName, endpoint, transport, e.Params)
		if err != nil {
			return fmt.Errorf("responsecache: compute cache key: %w", err)
		}

		resp := stampStatusCode(e.Response)

		feedID, err := cachekey.Canonical(filterFields(e.Params, inputSchemaFields))
		if err != nil {
			return fmt.Errorf("responsecache: compute feedId: %w", err)
		}
		if rc.enableFeedMetrics {
			if resp.Meta == nil {
				resp.Meta = &model.Meta{}
			}
			resp.Meta.Metrics = &model.MetricsMeta{FeedID: feedID}
		}

		censored, censorErr := censor(resp, rc.sensitive)
		if censorErr != nil {
			censored = censorError502()
		}

		batch[key] = censored

		rc.metrics.CacheDataSetCount.WithLabelValues(adapterName, endpoint, transport).Inc()
		rc.metrics.CacheDataMaxAge.WithLabelValues(adapterName, endpoint).Set(float64(ttl.Milliseconds()))
		rc.metrics.CacheDataStalenessSeconds.WithLabelValues(adapterName, endpoint).Set(staleness(now, censored))
	}

	return rc.raw.SetMany(ctx, batch, ttl)
}

// stampStatusCode defaults StatusCode to 200 for a success response
// with none set, and otherwise passes the response's status through
// unchanged (spec.md §4.5 step 2).
func stampStatusCode(resp model.AdapterResponse) model.AdapterResponse {
	if resp.StatusCode == 0 {
		if resp.ErrorMessage == "" {
			resp.StatusCode = 200
		}
	}
	return resp
}

// staleness computes now - providerIndicatedTimeUnixMs in seconds, or
// 0 if the timestamp is absent (spec.md §4.5 step 5).
func staleness(now time.Time, resp model.AdapterResponse) float64 {
	if resp.Timestamps.ProviderIndicatedTimeUnixMs == nil {
		return 0
	}
	indicated := time.UnixMilli(*resp.Timestamps.ProviderIndicatedTimeUnixMs)
	delta := now.Sub(indicated).Seconds()
	if delta < 0 {
		return 0
	}
	return delta
}

// filterFields returns the subset of params whose keys are in fields.
// A nil or empty fields list means "use every param" (no input schema
// configured for this endpoint).
func filterFields(params map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return params
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := params[f]; ok {
			out[f] = v
		}
	}
	return out
}
