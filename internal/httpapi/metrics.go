package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dist-adapter/ea-framework/internal/adapter"
)

// NewMetricsHandler exposes deps' registry as Prometheus text
// exposition on GET /metrics, per spec.md §6. main always serves it
// on its own listener bound to METRICS_PORT; METRICS_USE_BASE_URL is
// read into the config but not consulted.
func NewMetricsHandler(deps *adapter.Dependencies) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}
