package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dist-adapter/ea-framework/internal/cache"
	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/subscription"
)

func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Echo back a price update referencing the subscribe message.
			conn.WriteMessage(websocket.TextMessage, append([]byte(`price-update:`), data...))
		}
	}))
}

func TestWS_BackgroundExecute_OpensConnectionAndSubscribes(t *testing.T) {
	server := newEchoWSServer(t)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	subs := subscription.NewLocal()
	raw := cache.NewLocal(10)
	rc := responsecache.New(raw, obsv.New("test_ws_open"), "", nil, false)

	received := make(chan struct{}, 1)
	onMessage := func(ctx context.Context, data []byte) ([]responsecache.Entry, error) {
		select {
		case received <- struct{}{}:
		default:
		}
		return []responsecache.Entry{{Params: map[string]any{"base": "BTC"}, Response: mustSuccessResponse()}}, nil
	}

	ws := NewWS(WSConfig{
		AdapterName: "TEST", Endpoint: "price", CacheTTL: time.Minute,
		SubscriptionTTL: time.Minute, UnresponsiveTTL: time.Hour,
		HeartbeatInterval: 0, ConnectionOpenTimeout: time.Second,
		Backoff: BackoffConfig{MinMs: 100, ExpFactor: 2, MaxMs: 1000},
	}, subs, rc, obsv.New("test_ws_open_metrics"), testLogger(),
		func(ctx context.Context, desired []map[string]any, failover int) (string, error) { return wsURL, nil },
		nil, nil, nil, onMessage)

	params := map[string]any{"base": "BTC"}
	require.NoError(t, ws.RegisterRequest(context.Background(), params, nil))
	require.NoError(t, ws.BackgroundExecute(context.Background()))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onMessage to be invoked after subscribing")
	}

	ws.mu.Lock()
	state := ws.state
	ws.mu.Unlock()
	require.Equal(t, wsOpen, state)
}

func TestWS_BackgroundExecute_NoSubscriptionsStaysDisconnected(t *testing.T) {
	subs := subscription.NewLocal()
	raw := cache.NewLocal(10)
	rc := responsecache.New(raw, obsv.New("test_ws_nosub"), "", nil, false)

	ws := NewWS(WSConfig{
		AdapterName: "TEST", Endpoint: "price", CacheTTL: time.Minute,
		SubscriptionTTL: time.Minute, UnresponsiveTTL: time.Hour,
		ConnectionOpenTimeout: time.Second,
		Backoff:               BackoffConfig{MinMs: 100, ExpFactor: 2, MaxMs: 1000},
	}, subs, rc, obsv.New("test_ws_nosub_metrics"), testLogger(),
		func(ctx context.Context, desired []map[string]any, failover int) (string, error) { return "ws://unused", nil },
		nil, nil, nil, nil)

	require.NoError(t, ws.BackgroundExecute(context.Background()))
	ws.mu.Lock()
	state := ws.state
	ws.mu.Unlock()
	require.Equal(t, wsDisconnected, state)
}

// newSilentWSServer upgrades connections but never writes a message,
// modeling an unresponsive upstream (E2E scenario: URL A accepts
// connections but never speaks).
func newSilentWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWS_FailoverCountSurvivesReconnectUntilMessageReceived(t *testing.T) {
	server := newSilentWSServer(t)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	subs := subscription.NewLocal()
	raw := cache.NewLocal(10)
	rc := responsecache.New(raw, obsv.New("test_ws_failover"), "", nil, false)

	ws := NewWS(WSConfig{
		AdapterName: "TEST", Endpoint: "price", CacheTTL: time.Minute,
		SubscriptionTTL: time.Minute, UnresponsiveTTL: 10 * time.Millisecond,
		ConnectionOpenTimeout: time.Second,
		Backoff:               BackoffConfig{MinMs: 0, ExpFactor: 1, MaxMs: 0},
	}, subs, rc, obsv.New("test_ws_failover_metrics"), testLogger(),
		func(ctx context.Context, desired []map[string]any, failover int) (string, error) { return wsURL, nil },
		nil, nil, nil, nil)

	params := map[string]any{"base": "BTC"}
	require.NoError(t, ws.RegisterRequest(context.Background(), params, nil))

	// The connection opens successfully each time, but since the server
	// never sends a message, it is detected unresponsive and reopened on
	// the next tick. A reset on open (rather than on received message)
	// would keep failoverCount at 0 forever; reopening across ticks must
	// accumulate it instead.
	for i := 0; i < 3; i++ {
		require.NoError(t, ws.BackgroundExecute(context.Background()))
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, ws.BackgroundExecute(context.Background()))

	ws.mu.Lock()
	failover := ws.failoverCount
	ws.mu.Unlock()
	require.Greater(t, failover, 0, "failoverCount should accumulate across unresponsive reconnects, not reset on every successful open")
}
