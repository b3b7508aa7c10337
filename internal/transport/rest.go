// Package transport implements the four upstream-call strategies of
// spec.md §4.7-4.8: a synchronous REST transport for the foreground
// request path, and three subscription-based background transports
// (batch-HTTP, WebSocket, SSE) sharing a common registration and
// backoff contract.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/cache"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/model"
	"github.com/dist-adapter/ea-framework/internal/ratelimit"
	"github.com/dist-adapter/ea-framework/internal/requester"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
)

// PrepareFunc builds the upstream HTTP request for one set of params.
// User-supplied; errors are wrapped as apierr.CustomError by callers.
type PrepareFunc func(ctx context.Context, params, settings map[string]any) (*http.Request, error)

// ParseFunc turns an upstream HTTP response into a normalized
// AdapterResponse. User-supplied.
type ParseFunc func(ctx context.Context, params map[string]any, resp *http.Response, settings map[string]any) (model.AdapterResponse, error)

// RESTConfig configures one REST-transport endpoint.
type RESTConfig struct {
	AdapterName  string
	Endpoint     string
	Prefix       string
	CacheTTL     time.Duration
	InputSchema  []string

	CoalescingEnabled      bool
	CoalescingEntropyMaxMs int
	MaxRetries             int
	MsBetweenRetries       int64

	MaxRateLimitRetries       int
	MsBetweenRateLimitRetries int64
}

// REST is the foreground transport of spec.md §4.7: one request in,
// one upstream call, one response out — with optional in-flight
// coalescing and rate-limit admission control.
type REST struct {
	cfg           RESTConfig
	limiter       *ratelimit.Limiter
	raw           cache.Cache
	responseCache *responsecache.ResponseCache
	req           *requester.Requester
	client        *http.Client
	prepare       PrepareFunc
	parse         ParseFunc
}

// NewREST builds a REST transport. client defaults to http.DefaultClient
// when nil.
func NewREST(cfg RESTConfig, limiter *ratelimit.Limiter, raw cache.Cache, rc *responsecache.ResponseCache, req *requester.Requester, client *http.Client, prepare PrepareFunc, parse ParseFunc) *REST {
	if client == nil {
		client = http.DefaultClient
	}
	return &REST{cfg: cfg, limiter: limiter, raw: raw, responseCache: rc, req: req, client: client, prepare: prepare, parse: parse}
}

// ForegroundExecute runs the state machine of spec.md §4.7:
//
//	idle -> waitingForRateLimit -> sending -> done(write cache)
//	             \-exceeded retries-> 504       \-fail-> propagate error
//
// A nil, nil return means "none": the coalescing marker was already
// set by another in-flight call for this cache key, and the caller
// should fall back to cache polling.
func (t *REST) ForegroundExecute(ctx context.Context, params, settings map[string]any) (*model.AdapterResponse, error) {
	// waitingForRateLimit
	if !t.limiter.WaitUnderLimits(ctx, t.cfg.MaxRateLimitRetries, t.cfg.MsBetweenRateLimitRetries) {
		return nil, apierr.New(apierr.TimeoutError, "exceeded rate limit admission retries", nil)
	}

	cacheKey, err := cachekey.Key(t.cfg.Prefix, t.cfg.AdapterName, t.cfg.Endpoint, "rest", params)
	if err != nil {
		return nil, apierr.New(apierr.AdapterError, "compute cache key", err)
	}

	// sending
	if t.cfg.CoalescingEnabled {
		none, cleanup, err := t.acquireInFlight(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if none {
			return nil, nil
		}
		defer cleanup()
	}

	httpReq, err := t.prepare(ctx, params, settings)
	if err != nil {
		return nil, apierr.New(apierr.CustomError, "prepareRequest failed", err)
	}

	requestedAt := time.Now().UnixMilli()
	resp, err := t.req.Do(ctx, cacheKey, func(ctx context.Context) (*http.Response, error) {
		return t.client.Do(httpReq.WithContext(ctx))
	})
	if err != nil {
		// fail -> propagate error
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apierr.WithUpstreamStatus(apierr.DataProviderError, fmt.Sprintf("upstream returned status %d", resp.StatusCode), resp.StatusCode, nil)
	}

	parsed, err := t.parse(ctx, params, resp, settings)
	if err != nil {
		return nil, apierr.New(apierr.CustomError, "parseResponse failed", err)
	}
	parsed.Timestamps.ProviderDataRequestedUnixMs = requestedAt
	parsed.Timestamps.ProviderDataReceivedUnixMs = time.Now().UnixMilli()

	// done(write cache)
	entries := []responsecache.Entry{{Params: params, Response: parsed}}
	if err := t.responseCache.Write(ctx, t.cfg.AdapterName, t.cfg.Endpoint, "rest", entries, t.cfg.CacheTTL, t.cfg.InputSchema); err != nil {
		return nil, apierr.New(apierr.AdapterError, "write response cache", err)
	}

	return &parsed, nil
}

// acquireInFlight implements spec.md §4.7's coalescing marker: a small
// randomized sleep precedes the marker read to avoid a thundering-herd
// write, then InFlight-{cacheKey} is set with a TTL spanning the full
// retry budget. Returns none=true if another call already owns it.
func (t *REST) acquireInFlight(ctx context.Context, cacheKey string) (none bool, cleanup func(), err error) {
	if t.cfg.CoalescingEntropyMaxMs > 0 {
		sleep := time.Duration(rand.Intn(t.cfg.CoalescingEntropyMaxMs)) * time.Millisecond
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}

	marker := cachekey.InFlightKey(cacheKey)
	if _, ok, err := t.raw.Get(ctx, marker); err != nil {
		return false, nil, apierr.New(apierr.AdapterError, "read in-flight marker", err)
	} else if ok {
		return true, nil, nil
	}

	ttl := time.Duration(int64(t.cfg.MaxRetries)*t.cfg.MsBetweenRetries+100) * time.Millisecond
	if err := t.raw.Set(ctx, marker, model.AdapterResponse{StatusCode: 200, Result: true}, ttl); err != nil {
		return false, nil, apierr.New(apierr.AdapterError, "set in-flight marker", err)
	}

	return false, func() { _ = t.raw.Delete(context.Background(), marker) }, nil
}
