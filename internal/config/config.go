// Package config loads the framework's environment-variable surface
// (spec.md §6) once at process start, via
// github.com/kelseyhightower/envconfig. Nothing below internal/ reads
// os.Getenv directly; every component receives what it needs through
// the Dependencies bundle built from a Config.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the single struct loaded from the process environment.
// Field names follow spec.md §6's table; envconfig tags carry the
// exact variable names.
type Config struct {
	EAMode  string `envconfig:"EA_MODE" default:"reader-writer"`
	EAPort  int    `envconfig:"EA_PORT" default:"8080"`
	EAHost  string `envconfig:"EA_HOST" default:"0.0.0.0"`
	BaseURL string `envconfig:"BASE_URL" default:"/"`

	MaxPayloadSizeLimit int64 `envconfig:"MAX_PAYLOAD_SIZE_LIMIT" default:"1048576"`

	TLSEnabled     bool   `envconfig:"TLS_ENABLED" default:"false"`
	MTLSEnabled    bool   `envconfig:"MTLS_ENABLED" default:"false"`
	TLSPrivateKey  string `envconfig:"TLS_PRIVATE_KEY"`
	TLSPublicKey   string `envconfig:"TLS_PUBLIC_KEY"`
	TLSCA          string `envconfig:"TLS_CA"`
	TLSPassphrase  string `envconfig:"TLS_PASSPHRASE"`

	CacheType         string        `envconfig:"CACHE_TYPE" default:"local"`
	CacheMaxItems     int           `envconfig:"CACHE_MAX_ITEMS" default:"1000"`
	CacheMaxAge       time.Duration `envconfig:"CACHE_MAX_AGE" default:"30s"`
	CachePrefix       string        `envconfig:"CACHE_PREFIX"`
	CacheLockDuration time.Duration `envconfig:"CACHE_LOCK_DURATION" default:"30s"`
	CacheLockRetries  int           `envconfig:"CACHE_LOCK_RETRIES" default:"10"`

	CachePollingSleepMs   int64 `envconfig:"CACHE_POLLING_SLEEP_MS" default:"1000"`
	CachePollingMaxRetries int  `envconfig:"CACHE_POLLING_MAX_RETRIES" default:"10"`

	WarmupSubscriptionTTL time.Duration `envconfig:"WARMUP_SUBSCRIPTION_TTL" default:"90s"`

	WSSubscriptionTTL            time.Duration `envconfig:"WS_SUBSCRIPTION_TTL" default:"90s"`
	WSSubscriptionUnresponsiveTTL time.Duration `envconfig:"WS_SUBSCRIPTION_UNRESPONSIVE_TTL" default:"2m"`
	WSHeartbeatIntervalMs        int64         `envconfig:"WS_HEARTBEAT_INTERVAL_MS" default:"30000"`
	WSConnectionOpenTimeout      time.Duration `envconfig:"WS_CONNECTION_OPEN_TIMEOUT" default:"10s"`

	BackgroundExecuteMsHTTP int64         `envconfig:"BACKGROUND_EXECUTE_MS_HTTP" default:"1000"`
	BackgroundExecuteMsWS   int64         `envconfig:"BACKGROUND_EXECUTE_MS_WS" default:"1000"`
	BackgroundExecuteMsSSE  int64         `envconfig:"BACKGROUND_EXECUTE_MS_SSE" default:"1000"`
	BackgroundExecuteTimeout time.Duration `envconfig:"BACKGROUND_EXECUTE_TIMEOUT" default:"180s"`

	Retry                    int           `envconfig:"RETRY" default:"1"`
	APITimeout               time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
	MaxHTTPRequestQueueLength int          `envconfig:"MAX_HTTP_REQUEST_QUEUE_LENGTH" default:"100"`

	RequestCoalescingEnabled    bool  `envconfig:"REQUEST_COALESCING_ENABLED" default:"true"`
	RequestCoalescingEntropyMax int64 `envconfig:"REQUEST_COALESCING_ENTROPY_MAX" default:"1000"`

	RESTTransportMaxRateLimitRetries        int   `envconfig:"REST_TRANSPORT_MAX_RATE_LIMIT_RETRIES" default:"3"`
	RESTTransportMsBetweenRateLimitRetries  int64 `envconfig:"REST_TRANSPORT_MS_BETWEEN_RATE_LIMIT_RETRIES" default:"100"`

	RateLimitCapacitySecond float64 `envconfig:"RATE_LIMIT_CAPACITY_SECOND"`
	RateLimitCapacityMinute float64 `envconfig:"RATE_LIMIT_CAPACITY_MINUTE"`
	RateLimitCapacityHour   float64 `envconfig:"RATE_LIMIT_CAPACITY_HOUR"`

	StreamHandlerRetryMinMs    int64   `envconfig:"STREAM_HANDLER_RETRY_MIN_MS" default:"1000"`
	StreamHandlerRetryExpFactor float64 `envconfig:"STREAM_HANDLER_RETRY_EXP_FACTOR" default:"2"`
	StreamHandlerRetryMaxMs    int64   `envconfig:"STREAM_HANDLER_RETRY_MAX_MS" default:"60000"`
	SubscriptionRetryMinMs     int64   `envconfig:"SUBSCRIPTION_RETRY_MIN_MS" default:"1000"`
	SubscriptionRetryExpFactor float64 `envconfig:"SUBSCRIPTION_RETRY_EXP_FACTOR" default:"2"`
	SubscriptionRetryMaxMs     int64   `envconfig:"SUBSCRIPTION_RETRY_MAX_MS" default:"60000"`

	MetricsEnabled    bool `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPort       int  `envconfig:"METRICS_PORT" default:"9090"`
	MetricsUseBaseURL bool `envconfig:"METRICS_USE_BASE_URL" default:"false"`

	RedisURL          string `envconfig:"REDIS_URL"`
	AuditDatabaseURL  string `envconfig:"AUDIT_DATABASE_URL"`

	AdapterName string `envconfig:"ADAPTER_NAME" required:"true"`
}

// Load reads the process environment into a Config and validates the
// cross-field invariants spec.md §8 names (TLS/mTLS mutual exclusion,
// adapter name casing) ahead of any component construction.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants spec.md §6/§8 call out as fatal init
// errors: TLS and mTLS are mutually exclusive, and the adapter name
// must be all-uppercase (spec.md §8's "adapter name not uppercase").
func (c *Config) Validate() error {
	if c.TLSEnabled && c.MTLSEnabled {
		return fmt.Errorf("config: TLS_ENABLED and MTLS_ENABLED are mutually exclusive")
	}
	if c.MTLSEnabled {
		if c.TLSPrivateKey == "" || c.TLSPublicKey == "" || c.TLSCA == "" {
			return fmt.Errorf("config: MTLS_ENABLED requires TLS_PRIVATE_KEY, TLS_PUBLIC_KEY and TLS_CA")
		}
	}
	if c.AdapterName != upper(c.AdapterName) {
		return fmt.Errorf("config: adapter name %q must be uppercase", c.AdapterName)
	}
	switch c.EAMode {
	case "reader", "writer", "reader-writer":
	default:
		return fmt.Errorf("config: EA_MODE must be one of reader, writer, reader-writer, got %q", c.EAMode)
	}
	return nil
}

func upper(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - ('a' - 'A')
		}
	}
	return string(out)
}
