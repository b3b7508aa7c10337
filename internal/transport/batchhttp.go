package transport

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/model"
	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/requester"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/subscription"
)

// RequestGroup is one batchable unit returned by PrepareRequestsFunc:
// a set of params served by a single upstream HTTP request.
type RequestGroup struct {
	Params  []map[string]any
	Request *http.Request
}

// PrepareRequestsFunc groups desired params into one or more upstream
// requests, per spec.md §4.8a step 2. User-supplied.
type PrepareRequestsFunc func(ctx context.Context, params []map[string]any, settings map[string]any) ([]RequestGroup, error)

// ParseGroupFunc turns one group's upstream response into individual
// per-params responses, per spec.md §4.8a step 4. User-supplied.
type ParseGroupFunc func(ctx context.Context, params []map[string]any, resp *http.Response, settings map[string]any) ([]responsecache.Entry, error)

// BatchHTTPConfig configures one batch-HTTP endpoint.
type BatchHTTPConfig struct {
	AdapterName string
	Endpoint    string
	Prefix      string
	CacheTTL    time.Duration
	InputSchema []string

	SubscriptionTTL  time.Duration
	WarmupSubscriptionTTL time.Duration
	TickInterval     time.Duration

	Backoff BackoffConfig
}

// BatchHTTP is the background transport of spec.md §4.8a: on each
// tick it drains the subscription set, groups desired params into
// upstream requests via PrepareRequestsFunc, executes them
// concurrently through the shared requester, and writes all resulting
// entries to the cache in one batch.
type BatchHTTP struct {
	cfg     BatchHTTPConfig
	subs    subscription.Set
	req     *requester.Requester
	rc      *responsecache.ResponseCache
	metrics *obsv.Metrics
	client  *http.Client
	prepare PrepareRequestsFunc
	parse   ParseGroupFunc
	log     zerolog.Logger

	backoff *Backoff
}

// NewBatchHTTP builds a batch-HTTP transport.
func NewBatchHTTP(cfg BatchHTTPConfig, subs subscription.Set, req *requester.Requester, rc *responsecache.ResponseCache, metrics *obsv.Metrics, client *http.Client, prepare PrepareRequestsFunc, parse ParseGroupFunc, log zerolog.Logger) *BatchHTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &BatchHTTP{
		cfg: cfg, subs: subs, req: req, rc: rc, metrics: metrics, client: client,
		prepare: prepare, parse: parse,
		log:     log.With().Str("component", "transport.batchhttp").Str("endpoint", cfg.Endpoint).Logger(),
		backoff: NewBackoff(cfg.Backoff),
	}
}

// RegisterRequest idempotently adds params to the subscription set
// with the configured TTL, per spec.md §4.8's foreground contract.
func (t *BatchHTTP) RegisterRequest(ctx context.Context, params, _ map[string]any) error {
	cacheKey, err := cachekey.Key(t.cfg.Prefix, t.cfg.AdapterName, t.cfg.Endpoint, "batch-http", params)
	if err != nil {
		return apierr.New(apierr.AdapterError, "compute cache key", err)
	}
	return t.subs.Add(ctx, params, t.cfg.SubscriptionTTL, cacheKey)
}

// BackgroundExecute runs one tick of spec.md §4.8/§4.8a.
func (t *BatchHTTP) BackgroundExecute(ctx context.Context) error {
	now := time.Now()
	if t.backoff.ShouldSkip(now) {
		return nil
	}

	entries, err := t.subs.GetAll(ctx)
	if err != nil {
		t.backoff.RecordError(now)
		return fmt.Errorf("batchhttp: read subscription set: %w", err)
	}

	labels := []string{t.cfg.AdapterName, t.cfg.Endpoint, "batch-http"}
	t.metrics.BgExecuteSubscriptionSetCount.WithLabelValues(labels...).Set(float64(len(entries)))

	if len(entries) == 0 {
		t.metrics.CacheWarmerActive.WithLabelValues(labels...).Set(0)
		t.backoff.RecordSuccess()
		return nil
	}
	t.metrics.CacheWarmerActive.WithLabelValues(labels...).Set(1)

	params := make([]map[string]any, len(entries))
	for i, e := range entries {
		params[i] = e.Params
	}

	groups, err := t.prepare(ctx, params, nil)
	if err != nil {
		t.backoff.RecordError(now)
		return apierr.New(apierr.CustomError, "prepareRequests failed", err)
	}

	var mu sync.Mutex
	var results []responsecache.Entry
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(g RequestGroup) {
			defer wg.Done()
			fingerprint := fingerprintGroup(g.Params)
			requestedAt := time.Now().UnixMilli()

			resp, err := t.req.Do(ctx, fingerprint, func(ctx context.Context) (*http.Response, error) {
				return t.client.Do(g.Request.WithContext(ctx))
			})
			if err != nil {
				mu.Lock()
				results = append(results, errorEntriesFor(g.Params, err)...)
				mu.Unlock()
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				mu.Lock()
				results = append(results, errorEntriesFor(g.Params, apierr.WithUpstreamStatus(
					apierr.DataProviderError, fmt.Sprintf("upstream returned status %d", resp.StatusCode), resp.StatusCode, nil))...)
				mu.Unlock()
				return
			}

			parsed, err := t.parse(ctx, g.Params, resp, nil)
			if err != nil {
				mu.Lock()
				results = append(results, errorEntriesFor(g.Params, apierr.New(apierr.CustomError, "parseResponse failed", err))...)
				mu.Unlock()
				return
			}

			receivedAt := time.Now().UnixMilli()
			for i := range parsed {
				parsed[i].Response.Timestamps.ProviderDataRequestedUnixMs = requestedAt
				parsed[i].Response.Timestamps.ProviderDataReceivedUnixMs = receivedAt
			}

			mu.Lock()
			results = append(results, parsed...)
			mu.Unlock()
		}(group)
	}
	wg.Wait()

	if err := t.rc.Write(ctx, t.cfg.AdapterName, t.cfg.Endpoint, "batch-http", results, t.cfg.CacheTTL, t.cfg.InputSchema); err != nil {
		t.backoff.RecordError(now)
		return fmt.Errorf("batchhttp: write response cache: %w", err)
	}

	elapsed := time.Since(now)
	if elapsed > t.cfg.WarmupSubscriptionTTL || elapsed > t.cfg.CacheTTL {
		t.log.Warn().Dur("elapsed", elapsed).Msg("batch tick exceeded warm-up/cache TTL, entries may have expired mid-flight")
	}

	t.backoff.RecordSuccess()
	return nil
}

func errorEntriesFor(params []map[string]any, err error) []responsecache.Entry {
	msg := err.Error()
	out := make([]responsecache.Entry, len(params))
	for i, p := range params {
		out[i] = responsecache.Entry{Params: p, Response: model.AdapterResponse{StatusCode: 502, ErrorMessage: msg}}
	}
	return out
}

// fingerprintGroup builds the requester fingerprint of spec.md §4.8a
// step 3: join(sorted(canonical(p) for p in params), '|').
func fingerprintGroup(params []map[string]any) string {
	canon := make([]string, 0, len(params))
	for _, p := range params {
		c, err := cachekey.Canonical(p)
		if err != nil {
			continue
		}
		canon = append(canon, c)
	}
	sort.Strings(canon)
	return strings.Join(canon, "|")
}
