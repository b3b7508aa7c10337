// Package obsv holds the framework's Prometheus metrics, registered
// once onto an explicit registry handed out through Dependencies
// rather than the package-global default registry — so a process
// embedding multiple adapters never collides on metric names. The
// vector shapes mirror iiivansss84-dcache's MetricSet (CounterVec /
// HistogramVec per labeled dimension, registered at construction).
package obsv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/gauge/histogram the framework emits.
// One instance is built per process and threaded through Dependencies.
type Metrics struct {
	Registry *prometheus.Registry

	CacheDataSetCount         *prometheus.CounterVec
	CacheDataMaxAge           *prometheus.GaugeVec
	CacheDataStalenessSeconds *prometheus.GaugeVec
	CacheHit                  *prometheus.CounterVec
	CacheMiss                 *prometheus.CounterVec

	RequesterQueueDepth   prometheus.Gauge
	RequesterQueueOverflow prometheus.Counter
	RequesterCoalesced    prometheus.Counter
	RequesterRetries      prometheus.Counter

	BackgroundTickDuration *prometheus.HistogramVec
	BackgroundTickErrors   *prometheus.CounterVec
	BackgroundTickAnomaly  *prometheus.GaugeVec

	WsConnectionState    *prometheus.GaugeVec
	WsFailoverCount      *prometheus.CounterVec

	BgExecuteSubscriptionSetCount *prometheus.GaugeVec
	CacheWarmerActive             *prometheus.GaugeVec
}

// New builds and registers every metric onto a fresh registry. appName
// namespaces metric names the way iiivansss84-dcache namespaces its
// dcache_* family on the configured appName.
func New(appName string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CacheDataSetCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_cache_data_set_count",
			Help: "Number of cache entries written by the response cache facade.",
		}, []string{"adapter", "endpoint", "transport"}),
		CacheDataMaxAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: appName + "_cache_data_max_age_ms",
			Help: "Configured TTL in ms for the most recent cache write for this endpoint.",
		}, []string{"adapter", "endpoint"}),
		CacheDataStalenessSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: appName + "_cache_data_staleness_seconds",
			Help: "now - providerIndicatedTimeUnixMs for the most recent write, or 0 if absent.",
		}, []string{"adapter", "endpoint"}),
		CacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_cache_hit_total",
			Help: "Cache reads that found a live entry.",
		}, []string{"adapter", "endpoint"}),
		CacheMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_cache_miss_total",
			Help: "Cache reads that found no live entry.",
		}, []string{"adapter", "endpoint"}),
		RequesterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: appName + "_requester_queue_depth",
			Help: "Current pending request count in the bounded requester queue.",
		}),
		RequesterQueueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_requester_queue_overflow_total",
			Help: "Requests rejected because the bounded queue was full.",
		}),
		RequesterCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_requester_coalesced_total",
			Help: "Requests attached to an already in-flight/queued request by fingerprint.",
		}),
		RequesterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: appName + "_requester_retry_total",
			Help: "Requester retry attempts after a retryable upstream failure.",
		}),
		BackgroundTickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    appName + "_background_tick_duration_seconds",
			Help:    "Duration of one background executor tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter", "endpoint", "transport"}),
		BackgroundTickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_background_tick_error_total",
			Help: "Background executor ticks that returned an error.",
		}, []string{"adapter", "endpoint", "transport"}),
		BackgroundTickAnomaly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: appName + "_background_tick_anomaly_score",
			Help: "Standard deviations from the rolling mean tick duration (Welford's algorithm).",
		}, []string{"adapter", "endpoint", "transport"}),
		WsConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: appName + "_ws_connection_state",
			Help: "Current websocket connection state (0=disconnected,1=connecting,2=open,3=closing).",
		}, []string{"adapter", "endpoint"}),
		WsFailoverCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_ws_failover_total",
			Help: "Websocket URL rotations triggered by repeated no-connection invocations.",
		}, []string{"adapter", "endpoint"}),
		BgExecuteSubscriptionSetCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: appName + "_bg_execute_subscription_set_count",
			Help: "Number of desired-params entries read from the subscription set on the most recent background tick.",
		}, []string{"adapter", "endpoint", "transport"}),
		CacheWarmerActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: appName + "_cache_warmer_active",
			Help: "Whether the most recent background tick had any subscriptions to serve (1=active,0=idle).",
		}, []string{"adapter", "endpoint", "transport"}),
	}

	reg.MustRegister(
		m.CacheDataSetCount, m.CacheDataMaxAge, m.CacheDataStalenessSeconds,
		m.CacheHit, m.CacheMiss,
		m.RequesterQueueDepth, m.RequesterQueueOverflow, m.RequesterCoalesced, m.RequesterRetries,
		m.BackgroundTickDuration, m.BackgroundTickErrors, m.BackgroundTickAnomaly,
		m.WsConnectionState, m.WsFailoverCount,
		m.BgExecuteSubscriptionSetCount, m.CacheWarmerActive,
	)
	return m
}
