// Package adapter implements endpoint registration and the
// Dependencies bundle construction described in spec.md §6/§8 and
// SPEC_FULL.md's Design Notes ("Global mutable state"): every
// component is built once and threaded down explicitly instead of
// read from package globals, following cache-manager/service.go's
// Service-as-struct-of-dependencies shape.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/cache"
	"github.com/dist-adapter/ea-framework/internal/config"
	"github.com/dist-adapter/ea-framework/internal/distlock"
	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/ratelimit"
	"github.com/dist-adapter/ea-framework/internal/requester"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/subscription"
	"github.com/dist-adapter/ea-framework/internal/transport"

	goredislib "github.com/redis/go-redis/v9"
)

// TransportKind names which of the four transports an endpoint uses.
type TransportKind string

// These literal values must match the transport-name strings each
// concrete transport in package transport uses for its own cache-key
// computation (rest.go/batchhttp.go/websocket.go/sse.go) — the HTTP
// front door computes the same cache key independently on the read
// side, so the two must agree verbatim.
const (
	TransportREST      TransportKind = "rest"
	TransportBatchHTTP TransportKind = "batch-http"
	TransportWebSocket TransportKind = "websocket"
	TransportSSE       TransportKind = "sse"
)

// Endpoint is one registered route of an Adapter: a name, zero or
// more aliases that resolve to the same route, its transport kind,
// and its share of the rate limiter's budget (spec.md §4.3).
type Endpoint struct {
	Name        string
	Aliases     []string
	Transport   TransportKind
	InputSchema []string
	RateLimit   ratelimit.EndpointAllocation

	// REST is set when Transport == TransportREST: the foreground
	// transport the HTTP front door calls directly on a cache miss.
	REST *transport.REST

	// Background is set for every other transport kind; the
	// executor drives it on a rate-limited cadence (spec.md §4.9),
	// and the HTTP front door calls RegisterRequest on a cache miss
	// before responding 504 to induce client retry (spec.md §2).
	Background transport.BackgroundCapable
}

// Adapter is the named collection of endpoints spec.md §8's
// "Duplicate endpoint name" test validates against. The name must be
// uppercase (spec.md §6 exit codes / §8 invariant).
type Adapter struct {
	Name      string
	endpoints []*Endpoint
	seenNames map[string]string // name-or-alias -> owning endpoint name
}

// New validates the adapter name and returns an empty Adapter ready
// for endpoint registration.
func New(name string) (*Adapter, error) {
	if name == "" || name != strings.ToUpper(name) {
		return nil, fmt.Errorf("adapter: name %q must be uppercase", name)
	}
	return &Adapter{Name: name, seenNames: make(map[string]string)}, nil
}

// Register adds an endpoint, rejecting any name or alias that
// collides with one already registered under a different endpoint —
// spec.md §8 scenario 6: "Duplicate endpoint / alias: \"test\"".
func (a *Adapter) Register(ep *Endpoint) error {
	candidates := append([]string{ep.Name}, ep.Aliases...)
	for _, c := range candidates {
		if owner, exists := a.seenNames[c]; exists && owner != ep.Name {
			return fmt.Errorf("Duplicate endpoint / alias: %q", c)
		}
	}
	for _, c := range candidates {
		a.seenNames[c] = ep.Name
	}
	a.endpoints = append(a.endpoints, ep)
	return nil
}

// Resolve maps a request's endpoint name/alias back to its
// registered Endpoint, or reports false if unknown.
func (a *Adapter) Resolve(nameOrAlias string) (*Endpoint, bool) {
	owner, ok := a.seenNames[nameOrAlias]
	if !ok {
		return nil, false
	}
	for _, ep := range a.endpoints {
		if ep.Name == owner {
			return ep, true
		}
	}
	return nil, false
}

// Endpoints returns every registered endpoint, in registration order.
func (a *Adapter) Endpoints() []*Endpoint {
	return a.endpoints
}

// Dependencies bundles every component a running adapter process
// needs, constructed once at startup and passed down explicitly —
// never read from a package-global. Mirrors cache-manager's Service
// struct-of-collaborators shape, generalized across one adapter's
// readers and writers.
type Dependencies struct {
	Config  *config.Config
	Log     zerolog.Logger
	Metrics *obsv.Metrics

	Cache     cache.Cache
	Subs      subscription.Set
	Limiter   *ratelimit.Limiter
	Requester *requester.Requester
	Responses *responsecache.ResponseCache

	// Lock is non-nil only when EA_MODE grants this replica writer
	// responsibilities (spec.md §2's reader/writer split).
	Lock *distlock.Lock

	redisClient goredislib.UniversalClient
}

// NewDependencies builds the full Dependencies bundle for the given
// adapter and its registered endpoints. allocations is the set of
// per-endpoint rate-limit shares collected from Adapter.Endpoints();
// it must be built after every endpoint has been registered.
func NewDependencies(ctx context.Context, cfg *config.Config, adapterName string, allocations []ratelimit.EndpointAllocation, log zerolog.Logger) (*Dependencies, error) {
	metrics := obsv.New(strings.ToLower(adapterName))

	var rawCache cache.Cache
	var subs subscription.Set
	var redisClient goredislib.UniversalClient
	var lock *distlock.Lock

	switch cfg.CacheType {
	case "local":
		rawCache = cache.NewLocal(cfg.CacheMaxItems)
		subs = subscription.NewLocal()
	case "remote":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("adapter: CACHE_TYPE=remote requires REDIS_URL")
		}
		opts, err := goredislib.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("adapter: parse REDIS_URL: %w", err)
		}
		redisClient = goredislib.NewClient(opts)
		rawCache = cache.NewRemote(redisClient, log)
		subsKey := subsSetKey(cfg.CachePrefix, adapterName)
		subs = subscription.NewRemote(redisClient, subsKey)
	default:
		return nil, fmt.Errorf("adapter: unknown CACHE_TYPE %q", cfg.CacheType)
	}

	if isWriter(cfg.EAMode) && cfg.CacheType == "remote" {
		lock = distlock.New(redisClient, log, cfg.CachePrefix, adapterName, cfg.CacheLockDuration)
	}

	tiers := ratelimit.Tiers{
		PerSecond: cfg.RateLimitCapacitySecond,
		PerMinute: cfg.RateLimitCapacityMinute,
		PerHour:   cfg.RateLimitCapacityHour,
	}
	limiter := ratelimit.New(tiers, allocations)

	req := requester.New(requester.Config{
		MaxQueueLength: cfg.MaxHTTPRequestQueueLength,
		Concurrency:    4,
		RetryAttempts:  cfg.Retry,
	}, metrics)

	responses := responsecache.New(rawCache, metrics, cfg.CachePrefix, nil, true)

	return &Dependencies{
		Config: cfg, Log: log, Metrics: metrics,
		Cache: rawCache, Subs: subs, Limiter: limiter,
		Requester: req, Responses: responses, Lock: lock,
		redisClient: redisClient,
	}, nil
}

// Close releases resources owned by the Dependencies bundle: the
// requester's worker pool and (if present) the writer lock and Redis
// client.
func (d *Dependencies) Close(ctx context.Context) {
	d.Requester.Close()
	if d.Lock != nil {
		_ = d.Lock.Release(ctx)
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
}

func isWriter(mode string) bool {
	return mode == "writer" || mode == "reader-writer"
}

func subsSetKey(prefix, adapterName string) string {
	if prefix == "" {
		return adapterName + "-subs"
	}
	return prefix + "-" + adapterName + "-subs"
}
