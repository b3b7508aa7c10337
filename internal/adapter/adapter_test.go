package adapter

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dist-adapter/ea-framework/internal/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestNew_RejectsLowercaseName(t *testing.T) {
	_, err := New("test")
	require.Error(t, err)
}

func TestNew_AcceptsUppercaseName(t *testing.T) {
	a, err := New("TEST")
	require.NoError(t, err)
	require.Equal(t, "TEST", a.Name)
}

func TestRegister_RejectsDuplicateNameAcrossEndpoints(t *testing.T) {
	a, err := New("TEST")
	require.NoError(t, err)

	require.NoError(t, a.Register(&Endpoint{Name: "test", Transport: TransportREST}))
	err = a.Register(&Endpoint{Name: "another", Aliases: []string{"test"}, Transport: TransportREST})
	require.ErrorContains(t, err, `Duplicate endpoint / alias: "test"`)
}

func TestRegister_AllowsDistinctNamesAndAliases(t *testing.T) {
	a, err := New("TEST")
	require.NoError(t, err)

	require.NoError(t, a.Register(&Endpoint{Name: "price", Aliases: []string{"crypto-price"}, Transport: TransportREST}))
	require.NoError(t, a.Register(&Endpoint{Name: "volume", Transport: TransportBatchHTTP}))

	ep, ok := a.Resolve("crypto-price")
	require.True(t, ok)
	require.Equal(t, "price", ep.Name)

	_, ok = a.Resolve("unknown")
	require.False(t, ok)
}

func TestNewDependencies_LocalCacheBuildsWithoutRedis(t *testing.T) {
	cfg := &config.Config{
		AdapterName: "TEST", EAMode: "reader-writer",
		CacheType: "local", CacheMaxItems: 10,
		MaxHTTPRequestQueueLength: 10, Retry: 0,
	}
	deps, err := NewDependencies(context.Background(), cfg, "TEST", nil, testLogger())
	require.NoError(t, err)
	require.NotNil(t, deps.Cache)
	require.NotNil(t, deps.Subs)
	require.NotNil(t, deps.Limiter)
	require.Nil(t, deps.Lock, "local cache mode never takes the distributed writer lock")
	deps.Close(context.Background())
}

func TestNewDependencies_RemoteCacheWithoutRedisURLFails(t *testing.T) {
	cfg := &config.Config{
		AdapterName: "TEST", EAMode: "writer",
		CacheType: "remote",
	}
	_, err := NewDependencies(context.Background(), cfg, "TEST", nil, testLogger())
	require.Error(t, err)
}
