// Package httpapi is the thin HTTP front door of spec.md §6: it
// parses the client request envelope, resolves the target endpoint,
// and drives the cache-read/foreground-execute/subscribe-and-504
// dataflow of spec.md §2 — out of scope as a component in its own
// right, but still a concrete collaborator this framework must ship.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/adapter"
	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/model"
)

// Version is stamped into the health response; set by the binary
// embedding this package (build-time ldflags or a constant in main).
var Version = "dev"

// Server is the front door: POST {BASE_URL}, GET {BASE_URL}/health.
// Metrics are served from a separate mux by NewMetricsHandler so they
// can be bound to METRICS_PORT independently (spec.md §6).
type Server struct {
	deps *adapter.Dependencies
	ad   *adapter.Adapter
	log  zerolog.Logger
}

// NewServer builds the front door over an already-constructed
// Dependencies bundle and a fully-registered Adapter.
func NewServer(deps *adapter.Dependencies, ad *adapter.Adapter) *Server {
	return &Server{deps: deps, ad: ad, log: deps.Log.With().Str("component", "httpapi").Logger()}
}

// Handler builds the mux serving POST {BASE_URL} and GET
// {BASE_URL}/health, rooted at baseURL.
func (s *Server) Handler(baseURL string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(baseURL, s.handleRequest)
	mux.HandleFunc(joinPath(baseURL, "health"), s.handleHealth)
	return http.MaxBytesHandler(mux, s.deps.Config.MaxPayloadSizeLimit)
}

// requestBody is the client envelope `{endpoint, data: {...params,
// overrides?}}`. handleRequest rejects a body without an endpoint
// with 400; there is no default endpoint.
type requestBody struct {
	Endpoint string         `json:"endpoint"`
	Data     map[string]any `json:"data"`
}

type errorBody struct {
	StatusCode   int    `json:"statusCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	endpointName := body.Endpoint
	if endpointName == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	ep, ok := s.ad.Resolve(endpointName)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown endpoint %q", endpointName))
		return
	}

	params := extractParams(body.Data)

	resp, err := s.dispatch(r.Context(), ep, params)
	if err != nil {
		s.writeAdapterErr(w, err)
		return
	}
	if resp == nil {
		writeError(w, http.StatusGatewayTimeout, "cache not yet populated, retry")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOrDefault(resp.StatusCode))
	_ = json.NewEncoder(w).Encode(resp)
}

// dispatch implements spec.md §2's dataflow: compute the cache key,
// read the cache; on a hit return it; on a miss call foregroundExecute
// for REST endpoints, or register the params in the subscription set
// and signal the caller to retry (nil, nil) for every other transport.
func (s *Server) dispatch(ctx context.Context, ep *adapter.Endpoint, params map[string]any) (*model.AdapterResponse, error) {
	cfg := s.deps.Config
	cacheKey, err := cachekey.Key(cfg.CachePrefix, s.ad.Name, ep.Name, string(ep.Transport), params)
	if err != nil {
		return nil, apierr.New(apierr.AdapterError, "compute cache key", err)
	}

	for attempt := 0; attempt <= cfg.CachePollingMaxRetries; attempt++ {
		resp, found, err := s.deps.Responses.Read(ctx, s.ad.Name, ep.Name, cacheKey)
		if err != nil {
			return nil, apierr.New(apierr.AdapterError, "read response cache", err)
		}
		if found {
			return &resp, nil
		}

		if ep.Transport == adapter.TransportREST {
			result, err := ep.REST.ForegroundExecute(ctx, params, nil)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			// result == nil: another replica's in-flight call is
			// already populating this key; fall through to poll.
		} else if attempt == 0 {
			if err := ep.Background.RegisterRequest(ctx, params, nil); err != nil {
				return nil, apierr.New(apierr.AdapterError, "register subscription", err)
			}
		}

		if attempt == cfg.CachePollingMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(cfg.CachePollingSleepMs) * time.Millisecond):
		}
	}

	return nil, nil
}

func (s *Server) writeAdapterErr(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeError(w, apierr.HTTPStatus(apiErr.Kind), apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "OK", "version": Version})
}

func extractParams(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	params := make(map[string]any, len(data))
	for k, v := range data {
		if k == "overrides" {
			continue
		}
		params[k] = v
	}
	return params
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{StatusCode: status, ErrorMessage: message})
}

func statusOrDefault(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func joinPath(base, suffix string) string {
	if base == "" || base[len(base)-1] != '/' {
		return base + "/" + suffix
	}
	return base + suffix
}
