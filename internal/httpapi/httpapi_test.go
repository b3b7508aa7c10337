package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dist-adapter/ea-framework/internal/adapter"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/config"
	"github.com/dist-adapter/ea-framework/internal/model"
	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/requester"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/subscription"
	"github.com/dist-adapter/ea-framework/internal/transport"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestDeps(t *testing.T) *adapter.Dependencies {
	t.Helper()
	cfg := &config.Config{
		AdapterName: "TEST", EAMode: "reader-writer",
		CacheType: "local", CacheMaxItems: 10,
		MaxHTTPRequestQueueLength: 10, Retry: 0,
		CachePollingMaxRetries: 1, CachePollingSleepMs: 10,
		MaxPayloadSizeLimit: 1 << 20,
	}
	deps, err := adapter.NewDependencies(context.Background(), cfg, "TEST", nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { deps.Close(context.Background()) })
	return deps
}

func TestHandleRequest_RESTEndpointMissCallsUpstreamAndReturns200(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	deps := newTestDeps(t)
	ad, err := adapter.New("TEST")
	require.NoError(t, err)

	prepare := func(ctx context.Context, params, settings map[string]any) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, upstream.URL, nil)
	}
	parse := func(ctx context.Context, params map[string]any, resp *http.Response, settings map[string]any) (model.AdapterResponse, error) {
		return model.AdapterResponse{StatusCode: 200, Result: "from-upstream"}, nil
	}
	rest := transport.NewREST(transport.RESTConfig{
		AdapterName: "TEST", Endpoint: "price", CacheTTL: time.Minute,
		MaxRetries: 1, MsBetweenRetries: 10, MaxRateLimitRetries: 1, MsBetweenRateLimitRetries: 10,
	}, deps.Limiter, deps.Cache, deps.Responses, deps.Requester, http.DefaultClient, prepare, parse)

	require.NoError(t, ad.Register(&adapter.Endpoint{Name: "price", Transport: adapter.TransportREST, REST: rest}))

	srv := NewServer(deps, ad)
	handler := srv.Handler("/")

	body := []byte(`{"endpoint":"price","data":{"base":"BTC"}}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.AdapterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "from-upstream", got.Result)
}

func TestHandleRequest_CacheHitSkipsUpstream(t *testing.T) {
	deps := newTestDeps(t)
	ad, err := adapter.New("TEST")
	require.NoError(t, err)

	rest := transport.NewREST(transport.RESTConfig{
		AdapterName: "TEST", Endpoint: "price", CacheTTL: time.Minute,
		MaxRetries: 1, MsBetweenRetries: 10, MaxRateLimitRetries: 1, MsBetweenRateLimitRetries: 10,
	}, deps.Limiter, deps.Cache, deps.Responses, deps.Requester, http.DefaultClient,
		func(ctx context.Context, params, settings map[string]any) (*http.Request, error) {
			t.Fatal("upstream should not be called on a cache hit")
			return nil, nil
		},
		func(ctx context.Context, params map[string]any, resp *http.Response, settings map[string]any) (model.AdapterResponse, error) {
			return model.AdapterResponse{}, nil
		})
	require.NoError(t, ad.Register(&adapter.Endpoint{Name: "price", Transport: adapter.TransportREST, REST: rest}))

	cacheKey, err := cachekeyForTest(deps, "TEST", "price", "rest", map[string]any{"base": "BTC"})
	require.NoError(t, err)
	require.NoError(t, deps.Cache.Set(context.Background(), cacheKey, model.AdapterResponse{StatusCode: 200, Result: "cached"}, time.Minute))

	srv := NewServer(deps, ad)
	handler := srv.Handler("/")

	body := []byte(`{"endpoint":"price","data":{"base":"BTC"}}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.AdapterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "cached", got.Result)
}

func TestHandleRequest_BatchEndpointMissRegistersAnd504s(t *testing.T) {
	deps := newTestDeps(t)
	ad, err := adapter.New("TEST")
	require.NoError(t, err)

	req := requester.New(requester.Config{MaxQueueLength: 10, Concurrency: 2, RetryAttempts: 0}, obsv.New("test_httpapi_batch"))
	t.Cleanup(req.Close)

	subs := subscription.NewLocal()
	bh := transport.NewBatchHTTP(transport.BatchHTTPConfig{
		AdapterName: "TEST", Endpoint: "volume", CacheTTL: time.Minute,
		SubscriptionTTL: time.Minute, WarmupSubscriptionTTL: time.Minute,
	}, subs, req, deps.Responses, deps.Metrics, http.DefaultClient,
		func(ctx context.Context, params []map[string]any, settings map[string]any) ([]transport.RequestGroup, error) {
			return nil, nil
		},
		func(ctx context.Context, params []map[string]any, resp *http.Response, settings map[string]any) ([]responsecache.Entry, error) {
			return nil, nil
		}, testLogger())

	require.NoError(t, ad.Register(&adapter.Endpoint{Name: "volume", Transport: adapter.TransportBatchHTTP, Background: bh}))

	srv := NewServer(deps, ad)
	handler := srv.Handler("/")

	body := []byte(`{"endpoint":"volume","data":{"base":"ETH"}}`)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	registered, err := subs.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, registered, 1)
}

func TestHandleHealth(t *testing.T) {
	deps := newTestDeps(t)
	ad, err := adapter.New("TEST")
	require.NoError(t, err)

	srv := NewServer(deps, ad)
	handler := srv.Handler("/")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "OK", got["message"])
}

func TestHandleRequest_UnknownEndpointIs400(t *testing.T) {
	deps := newTestDeps(t)
	ad, err := adapter.New("TEST")
	require.NoError(t, err)

	srv := NewServer(deps, ad)
	handler := srv.Handler("/")

	body := []byte(`{"endpoint":"nope","data":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func cachekeyForTest(deps *adapter.Dependencies, adapterName, endpoint, transportName string, params map[string]any) (string, error) {
	return cachekey.Key(deps.Config.CachePrefix, adapterName, endpoint, transportName, params)
}
