// Command ea-adapter wires one concrete external adapter: a REST
// "price" endpoint and a batch-HTTP "volume" endpoint against a
// generic upstream, demonstrating the full registration/dependency/
// executor/HTTP wiring every real adapter built on this framework
// repeats. Swap prepare/parse for a provider's actual wire format to
// get a new adapter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dist-adapter/ea-framework/internal/adapter"
	"github.com/dist-adapter/ea-framework/internal/auditlog"
	"github.com/dist-adapter/ea-framework/internal/config"
	"github.com/dist-adapter/ea-framework/internal/executor"
	"github.com/dist-adapter/ea-framework/internal/httpapi"
	"github.com/dist-adapter/ea-framework/internal/logging"
	"github.com/dist-adapter/ea-framework/internal/model"
	"github.com/dist-adapter/ea-framework/internal/ratelimit"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("ea-adapter: %w", err)
	}

	log := logging.New("info").With().Str("adapter", cfg.AdapterName).Logger()

	ad, err := adapter.New(cfg.AdapterName)
	if err != nil {
		return fmt.Errorf("ea-adapter: %w", err)
	}

	priceEndpoint := &adapter.Endpoint{
		Name:      "price",
		Aliases:   []string{"last-price"},
		Transport: adapter.TransportREST,
		InputSchema: []string{"base", "quote"},
		RateLimit: ratelimit.EndpointAllocation{Name: "price", AllocationPercentage: 0.6},
	}
	volumeEndpoint := &adapter.Endpoint{
		Name:      "volume",
		Transport: adapter.TransportBatchHTTP,
		InputSchema: []string{"base", "quote"},
		RateLimit: ratelimit.EndpointAllocation{Name: "volume", AllocationPercentage: 0.4},
	}

	if err := ad.Register(priceEndpoint); err != nil {
		return fmt.Errorf("ea-adapter: %w", err)
	}
	if err := ad.Register(volumeEndpoint); err != nil {
		return fmt.Errorf("ea-adapter: %w", err)
	}

	allocations := []ratelimit.EndpointAllocation{priceEndpoint.RateLimit, volumeEndpoint.RateLimit}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := adapter.NewDependencies(ctx, cfg, cfg.AdapterName, allocations, log)
	if err != nil {
		return fmt.Errorf("ea-adapter: %w", err)
	}
	defer deps.Close(context.Background())

	httpClient := &http.Client{Timeout: cfg.APITimeout}

	priceEndpoint.REST = transport.NewREST(
		transport.RESTConfig{
			AdapterName:               cfg.AdapterName,
			Endpoint:                  priceEndpoint.Name,
			Prefix:                    cfg.CachePrefix,
			CacheTTL:                  cfg.CacheMaxAge,
			InputSchema:               priceEndpoint.InputSchema,
			CoalescingEnabled:         cfg.RequestCoalescingEnabled,
			CoalescingEntropyMaxMs:    int(cfg.RequestCoalescingEntropyMax),
			MaxRetries:                cfg.Retry,
			MsBetweenRetries:          cfg.RESTTransportMsBetweenRateLimitRetries,
			MaxRateLimitRetries:       cfg.RESTTransportMaxRateLimitRetries,
			MsBetweenRateLimitRetries: cfg.RESTTransportMsBetweenRateLimitRetries,
		},
		deps.Limiter, deps.Cache, deps.Responses, deps.Requester, httpClient,
		preparePriceRequest, parsePriceResponse,
	)

	volumeEndpoint.Background = transport.NewBatchHTTP(
		transport.BatchHTTPConfig{
			AdapterName:           cfg.AdapterName,
			Endpoint:              volumeEndpoint.Name,
			Prefix:                cfg.CachePrefix,
			CacheTTL:              cfg.CacheMaxAge,
			InputSchema:           volumeEndpoint.InputSchema,
			SubscriptionTTL:       cfg.WSSubscriptionTTL,
			WarmupSubscriptionTTL: cfg.WarmupSubscriptionTTL,
			TickInterval:          time.Duration(cfg.BackgroundExecuteMsHTTP) * time.Millisecond,
			Backoff: transport.BackoffConfig{
				MinMs: cfg.StreamHandlerRetryMinMs, ExpFactor: cfg.StreamHandlerRetryExpFactor, MaxMs: cfg.StreamHandlerRetryMaxMs,
			},
		},
		deps.Subs, deps.Requester, deps.Responses, deps.Metrics, httpClient,
		prepareVolumeRequests, parseVolumeResponse, log,
	)

	exec := executor.New(deps.Limiter, deps.Metrics, cfg.BackgroundExecuteTimeout, log)
	if isWriter(cfg.EAMode) {
		if deps.Lock != nil {
			if err := deps.Lock.Acquire(ctx, cfg.CacheLockRetries); err != nil {
				return fmt.Errorf("ea-adapter: %w", err)
			}
			// Released by the deps.Close defer above, after exec.Shutdown
			// has stopped the writer's background ticks.
		}
		exec.Register(executor.Job{
			AdapterName: cfg.AdapterName, Endpoint: volumeEndpoint.Name, Transport: string(volumeEndpoint.Transport),
			Execute: volumeEndpoint.Background.BackgroundExecute,
		})
		exec.Start()
		defer exec.Shutdown()
	}

	audit, err := auditlog.New(ctx, cfg.AuditDatabaseURL, log)
	if err != nil {
		return fmt.Errorf("ea-adapter: %w", err)
	}
	defer audit.Close()

	server := httpapi.NewServer(deps, ad)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.EAHost, cfg.EAPort),
		Handler: logging.RequestLogger(log, server.Handler(cfg.BaseURL)),
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.EAHost, cfg.MetricsPort),
			Handler: httpapi.NewMetricsHandler(deps),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("ea-adapter listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("ea-adapter: %w", err)
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func isWriter(mode string) bool {
	return mode == "writer" || mode == "reader-writer"
}

func preparePriceRequest(ctx context.Context, params, settings map[string]any) (*http.Request, error) {
	url := fmt.Sprintf("https://upstream.example.com/price?base=%v&quote=%v", params["base"], params["quote"])
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

func parsePriceResponse(ctx context.Context, params map[string]any, resp *http.Response, settings map[string]any) (model.AdapterResponse, error) {
	defer resp.Body.Close()
	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.AdapterResponse{}, fmt.Errorf("ea-adapter: decode price response: %w", err)
	}
	return model.AdapterResponse{StatusCode: resp.StatusCode, Result: body.Price}, nil
}

func prepareVolumeRequests(ctx context.Context, params []map[string]any, settings map[string]any) ([]transport.RequestGroup, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://upstream.example.com/volume/batch", nil)
	if err != nil {
		return nil, err
	}
	return []transport.RequestGroup{{Params: params, Request: req}}, nil
}

func parseVolumeResponse(ctx context.Context, params []map[string]any, resp *http.Response, settings map[string]any) ([]responsecache.Entry, error) {
	defer resp.Body.Close()
	var body []struct {
		Base   string  `json:"base"`
		Quote  string  `json:"quote"`
		Volume float64 `json:"volume"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ea-adapter: decode volume response: %w", err)
	}

	entries := make([]responsecache.Entry, 0, len(body))
	for _, row := range body {
		entries = append(entries, responsecache.Entry{
			Params:   map[string]any{"base": row.Base, "quote": row.Quote},
			Response: model.AdapterResponse{StatusCode: resp.StatusCode, Result: row.Volume},
		})
	}
	return entries, nil
}
