package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	r3sse "github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/subscription"
)

// SSESubscribeRequestFunc builds the HTTP subscribe request issued
// once an event stream needs to be (re)established, per spec.md
// §4.8c. KeepAliveRequestFunc builds the periodic keep-alive ping.
type SSESubscribeRequestFunc func(ctx context.Context, desired []map[string]any, settings map[string]any) (*http.Request, error)
type SSEKeepAliveRequestFunc func(ctx context.Context, settings map[string]any) (*http.Request, error)

// SSEEventFunc maps one named SSE event's payload to response entries.
type SSEEventFunc func(ctx context.Context, eventType string, data []byte) ([]responsecache.Entry, error)

// SSEConfig configures one SSE endpoint.
type SSEConfig struct {
	AdapterName string
	Endpoint    string
	Prefix      string
	CacheTTL    time.Duration
	InputSchema []string

	SubscriptionTTL  time.Duration
	KeepAliveInterval time.Duration

	Backoff BackoffConfig
}

// SSE is the background transport of spec.md §4.8c: an EventSource
// established on demand, with an HTTP subscribe call and periodic
// keep-alive ping, and event-type listeners mapped to parseResponse.
type SSE struct {
	cfg     SSEConfig
	subs    subscription.Set
	rc      *responsecache.ResponseCache
	metrics *obsv.Metrics
	client  *http.Client
	log     zerolog.Logger
	backoff *Backoff

	subscribeReq SSESubscribeRequestFunc
	keepAliveReq SSEKeepAliveRequestFunc
	onEvent      SSEEventFunc
	eventTypes   []string

	mu          sync.Mutex
	established bool
	sseClient   *r3sse.Client
	stopKeepAlive chan struct{}
}

// NewSSE builds an SSE transport. eventTypes lists the named event
// channels onEvent should be registered against.
func NewSSE(cfg SSEConfig, subs subscription.Set, rc *responsecache.ResponseCache, metrics *obsv.Metrics, client *http.Client, log zerolog.Logger,
	subscribeReq SSESubscribeRequestFunc, keepAliveReq SSEKeepAliveRequestFunc, onEvent SSEEventFunc, eventTypes []string) *SSE {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSE{
		cfg: cfg, subs: subs, rc: rc, metrics: metrics, client: client,
		log:          log.With().Str("component", "transport.sse").Str("endpoint", cfg.Endpoint).Logger(),
		backoff:      NewBackoff(cfg.Backoff),
		subscribeReq: subscribeReq,
		keepAliveReq: keepAliveReq,
		onEvent:      onEvent,
		eventTypes:   eventTypes,
	}
}

// RegisterRequest idempotently adds params to the subscription set.
func (t *SSE) RegisterRequest(ctx context.Context, params, _ map[string]any) error {
	cacheKey, err := cachekey.Key(t.cfg.Prefix, t.cfg.AdapterName, t.cfg.Endpoint, "sse", params)
	if err != nil {
		return apierr.New(apierr.AdapterError, "compute cache key", err)
	}
	return t.subs.Add(ctx, params, t.cfg.SubscriptionTTL, cacheKey)
}

// BackgroundExecute establishes the stream if not already open, then
// issues the subscribe request for any currently-desired params.
func (t *SSE) BackgroundExecute(ctx context.Context) error {
	now := time.Now()
	if t.backoff.ShouldSkip(now) {
		return nil
	}

	entries, err := t.subs.GetAll(ctx)
	if err != nil {
		t.backoff.RecordError(now)
		return fmt.Errorf("sse: read subscription set: %w", err)
	}
	desired := make([]map[string]any, len(entries))
	for i, e := range entries {
		desired[i] = e.Params
	}

	labels := []string{t.cfg.AdapterName, t.cfg.Endpoint, "sse"}
	t.metrics.BgExecuteSubscriptionSetCount.WithLabelValues(labels...).Set(float64(len(desired)))

	if len(desired) == 0 {
		t.metrics.CacheWarmerActive.WithLabelValues(labels...).Set(0)
		t.backoff.RecordSuccess()
		return nil
	}
	t.metrics.CacheWarmerActive.WithLabelValues(labels...).Set(1)

	t.mu.Lock()
	established := t.established
	t.mu.Unlock()
	if !established {
		if err := t.establish(ctx); err != nil {
			t.backoff.RecordError(now)
			return apierr.New(apierr.ConnectionError, "establish sse stream", err)
		}
	}

	httpReq, err := t.subscribeReq(ctx, desired, nil)
	if err != nil {
		t.backoff.RecordError(now)
		return apierr.New(apierr.CustomError, "build subscribe request", err)
	}
	resp, err := t.client.Do(httpReq.WithContext(ctx))
	if err != nil {
		t.backoff.RecordError(now)
		return apierr.New(apierr.ConnectionError, "send subscribe request", err)
	}
	resp.Body.Close()

	t.backoff.RecordSuccess()
	return nil
}

// establish opens the SSE client, registers one onEvent-backed
// subscription per configured event type, and starts the keep-alive
// loop if configured.
func (t *SSE) establish(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	client := r3sse.NewClient("")
	client.Connection = t.client
	establishedAt := time.Now().UnixMilli()

	for _, eventType := range t.eventTypes {
		et := eventType
		go func() {
			_ = client.SubscribeWithContext(ctx, et, func(ev *r3sse.Event) {
				results, err := t.onEvent(context.Background(), et, ev.Data)
				if err != nil {
					t.log.Warn().Err(err).Str("event", et).Msg("sse event handler failed")
					return
				}
				if len(results) == 0 {
					return
				}
				now := time.Now().UnixMilli()
				for i := range results {
					results[i].Response.Timestamps.ProviderDataReceivedUnixMs = now
					results[i].Response.Timestamps.ProviderDataStreamEstablishedUnixMs = establishedAt
				}
				if err := t.rc.Write(context.Background(), t.cfg.AdapterName, t.cfg.Endpoint, "sse", results, t.cfg.CacheTTL, t.cfg.InputSchema); err != nil {
					t.log.Warn().Err(err).Msg("write response cache failed")
				}
			})
		}()
	}

	t.sseClient = client
	t.established = true

	if t.keepAliveReq != nil && t.cfg.KeepAliveInterval > 0 {
		t.stopKeepAlive = make(chan struct{})
		go t.keepAliveLoop()
	}
	return nil
}

func (t *SSE) keepAliveLoop() {
	t.mu.Lock()
	stop := t.stopKeepAlive
	t.mu.Unlock()

	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			req, err := t.keepAliveReq(context.Background(), nil)
			if err != nil {
				t.log.Warn().Err(err).Msg("build keep-alive request failed")
				continue
			}
			resp, err := t.client.Do(req)
			if err != nil {
				t.log.Warn().Err(err).Msg("keep-alive ping failed")
				continue
			}
			resp.Body.Close()
		}
	}
}
