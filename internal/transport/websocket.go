package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/cachekey"
	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/responsecache"
	"github.com/dist-adapter/ea-framework/internal/subscription"
)

// wsState mirrors spec.md §4.8b's DISCONNECTED -> CONNECTING -> OPEN ->
// CLOSING -> DISCONNECTED state machine.
type wsState int

const (
	wsDisconnected wsState = iota
	wsConnecting
	wsOpen
	wsClosing
)

// URLFunc computes the desired connection URL for this tick, given the
// failover counter of spec.md §4.8b "Failover counter".
type URLFunc func(ctx context.Context, desired []map[string]any, streamHandlerInvocationsWithNoConnection int) (string, error)

// SubscribeMessageFunc/UnsubscribeMessageFunc build the wire message
// for one params tuple; a nil func falls back to sending raw params
// (spec.md §4.8b step 6 "fallback: send raw params").
type SubscribeMessageFunc func(params map[string]any) (any, error)
type UnsubscribeMessageFunc func(params map[string]any) (any, error)

// HeartbeatFunc sends one heartbeat frame over an open connection.
type HeartbeatFunc func(conn *websocket.Conn) error

// WSMessageFunc turns one inbound frame into zero or more response
// entries, per spec.md §4.8b step 8. User-supplied.
type WSMessageFunc func(ctx context.Context, data []byte) ([]responsecache.Entry, error)

// WSConfig configures one WebSocket endpoint.
type WSConfig struct {
	AdapterName string
	Endpoint    string
	Prefix      string
	CacheTTL    time.Duration
	InputSchema []string

	SubscriptionTTL       time.Duration
	UnresponsiveTTL       time.Duration
	HeartbeatInterval     time.Duration
	ConnectionOpenTimeout time.Duration

	Backoff BackoffConfig
}

// WS is the background transport of spec.md §4.8b.
type WS struct {
	cfg     WSConfig
	subs    subscription.Set
	rc      *responsecache.ResponseCache
	metrics *obsv.Metrics
	log     zerolog.Logger
	backoff *Backoff

	urlFunc        URLFunc
	subscribeMsg   SubscribeMessageFunc
	unsubscribeMsg UnsubscribeMessageFunc
	heartbeat      HeartbeatFunc
	onMessage      WSMessageFunc

	mu                    sync.Mutex
	state                 wsState
	conn                  *websocket.Conn
	currentURL            string
	connectionOpenedAt    time.Time
	lastMessageReceivedAt time.Time
	localSubs             map[string]map[string]any
	failoverCount         int
	stopHeartbeat         chan struct{}
}

// NewWS builds a WebSocket transport.
func NewWS(cfg WSConfig, subs subscription.Set, rc *responsecache.ResponseCache, metrics *obsv.Metrics, log zerolog.Logger,
	urlFunc URLFunc, subscribeMsg SubscribeMessageFunc, unsubscribeMsg UnsubscribeMessageFunc, heartbeat HeartbeatFunc, onMessage WSMessageFunc) *WS {
	return &WS{
		cfg: cfg, subs: subs, rc: rc, metrics: metrics,
		log:            log.With().Str("component", "transport.websocket").Str("endpoint", cfg.Endpoint).Logger(),
		backoff:        NewBackoff(cfg.Backoff),
		urlFunc:        urlFunc,
		subscribeMsg:   subscribeMsg,
		unsubscribeMsg: unsubscribeMsg,
		heartbeat:      heartbeat,
		onMessage:      onMessage,
		state:          wsDisconnected,
		localSubs:      make(map[string]map[string]any),
	}
}

// RegisterRequest idempotently adds params to the subscription set.
func (t *WS) RegisterRequest(ctx context.Context, params, _ map[string]any) error {
	cacheKey, err := cachekey.Key(t.cfg.Prefix, t.cfg.AdapterName, t.cfg.Endpoint, "websocket", params)
	if err != nil {
		return apierr.New(apierr.AdapterError, "compute cache key", err)
	}
	return t.subs.Add(ctx, params, t.cfg.SubscriptionTTL, cacheKey)
}

// BackgroundExecute runs one cycle of spec.md §4.8b's per-cycle algorithm.
func (t *WS) BackgroundExecute(ctx context.Context) error {
	now := time.Now()
	if t.backoff.ShouldSkip(now) {
		return nil
	}

	entries, err := t.subs.GetAll(ctx)
	if err != nil {
		t.backoff.RecordError(now)
		return fmt.Errorf("websocket: read subscription set: %w", err)
	}
	desired := make(map[string]map[string]any, len(entries))
	desiredList := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		canon, err := cachekey.Canonical(e.Params)
		if err != nil {
			continue
		}
		desired[canon] = e.Params
		desiredList = append(desiredList, e.Params)
	}

	wsLabels := []string{t.cfg.AdapterName, t.cfg.Endpoint, "websocket"}
	t.metrics.BgExecuteSubscriptionSetCount.WithLabelValues(wsLabels...).Set(float64(len(desired)))
	if len(desired) == 0 {
		t.metrics.CacheWarmerActive.WithLabelValues(wsLabels...).Set(0)
	} else {
		t.metrics.CacheWarmerActive.WithLabelValues(wsLabels...).Set(1)
	}

	t.mu.Lock()
	state := t.state
	currentURL := t.currentURL
	connOpenedAt := t.connectionOpenedAt
	lastMsg := t.lastMessageReceivedAt
	failover := t.failoverCount
	t.mu.Unlock()

	desiredURL, err := t.urlFunc(ctx, desiredList, failover)
	if err != nil {
		t.backoff.RecordError(now)
		return apierr.New(apierr.CustomError, "compute desired url", err)
	}

	unresponsive := state == wsOpen && minDuration(now.Sub(lastMsg), now.Sub(connOpenedAt)) > t.cfg.UnresponsiveTTL

	if state == wsOpen && (desiredURL != currentURL || unresponsive) {
		if unresponsive {
			t.mu.Lock()
			t.failoverCount++
			t.mu.Unlock()
			t.metrics.WsFailoverCount.WithLabelValues(t.cfg.AdapterName, t.cfg.Endpoint).Inc()
		}
		if since := now.Sub(connOpenedAt); since < time.Second {
			time.Sleep(time.Second - since)
		}
		t.closeConnection()
	}

	t.mu.Lock()
	state = t.state
	t.mu.Unlock()

	if state == wsDisconnected && len(desired) > 0 {
		if err := t.openConnection(ctx, desiredURL); err != nil {
			t.backoff.RecordError(now)
			return apierr.New(apierr.ConnectionError, "open websocket connection", err)
		}
		t.mu.Lock()
		t.localSubs = make(map[string]map[string]any)
		t.mu.Unlock()
	}

	if err := t.emitDelta(desired); err != nil {
		t.backoff.RecordError(now)
		return fmt.Errorf("websocket: emit subscribe/unsubscribe delta: %w", err)
	}

	t.backoff.RecordSuccess()
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// emitDelta sends subscribe messages for newly desired params and
// unsubscribe messages for no-longer-desired params, then updates
// localSubs to match desired — only after successful emission, per
// spec.md §4.8b step 9.
func (t *WS) emitDelta(desired map[string]map[string]any) error {
	t.mu.Lock()
	conn := t.conn
	local := t.localSubs
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	for canon, params := range desired {
		if _, ok := local[canon]; ok {
			continue
		}
		if err := t.sendMessage(conn, t.subscribeMsg, params); err != nil {
			return err
		}
	}
	for canon, params := range local {
		if _, ok := desired[canon]; ok {
			continue
		}
		if err := t.sendMessage(conn, t.unsubscribeMsg, params); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.localSubs = desired
	t.mu.Unlock()
	return nil
}

func (t *WS) sendMessage(conn *websocket.Conn, build func(map[string]any) (any, error), params map[string]any) error {
	var payload any = params
	if build != nil {
		msg, err := build(params)
		if err != nil {
			return err
		}
		payload = msg
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// openConnection dials url with ConnectionOpenTimeout, starts the
// heartbeat and read loop, and marks the state OPEN.
func (t *WS) openConnection(ctx context.Context, url string) error {
	t.mu.Lock()
	t.state = wsConnecting
	t.mu.Unlock()
	t.metrics.WsConnectionState.WithLabelValues(t.cfg.AdapterName, t.cfg.Endpoint).Set(float64(wsConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionOpenTimeout)
	defer cancel()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		t.mu.Lock()
		t.state = wsDisconnected
		t.mu.Unlock()
		return err
	}

	now := time.Now()
	t.mu.Lock()
	t.conn = conn
	t.currentURL = url
	t.state = wsOpen
	t.connectionOpenedAt = now
	t.lastMessageReceivedAt = now
	t.stopHeartbeat = make(chan struct{})
	t.mu.Unlock()
	t.metrics.WsConnectionState.WithLabelValues(t.cfg.AdapterName, t.cfg.Endpoint).Set(float64(wsOpen))

	go t.readLoop(conn)
	if t.heartbeat != nil && t.cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop(conn)
	}
	return nil
}

func (t *WS) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	t.mu.Lock()
	stop := t.stopHeartbeat
	t.mu.Unlock()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.heartbeat(conn); err != nil {
				t.log.Warn().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (t *WS) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		t.mu.Lock()
		t.lastMessageReceivedAt = time.Now()
		t.failoverCount = 0
		t.mu.Unlock()

		entries, err := t.onMessage(context.Background(), data)
		if err != nil {
			t.log.Warn().Err(err).Msg("message handler failed")
			continue
		}
		if len(entries) == 0 {
			continue
		}

		connOpenedAt := t.connectionOpenedAtUnixMs()
		for i := range entries {
			entries[i].Response.Timestamps.ProviderDataStreamEstablishedUnixMs = connOpenedAt
			entries[i].Response.Timestamps.ProviderDataReceivedUnixMs = time.Now().UnixMilli()
		}

		if err := t.rc.Write(context.Background(), t.cfg.AdapterName, t.cfg.Endpoint, "websocket", entries, t.cfg.CacheTTL, t.cfg.InputSchema); err != nil {
			t.log.Warn().Err(err).Msg("write response cache failed")
			continue
		}
	}
}

func (t *WS) connectionOpenedAtUnixMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionOpenedAt.UnixMilli()
}

// closeConnection closes with normal-closure code 1000, per spec.md
// §4.8b step 4, and stops the heartbeat loop.
func (t *WS) closeConnection() {
	t.mu.Lock()
	conn := t.conn
	stop := t.stopHeartbeat
	t.state = wsClosing
	t.mu.Unlock()
	t.metrics.WsConnectionState.WithLabelValues(t.cfg.AdapterName, t.cfg.Endpoint).Set(float64(wsClosing))

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	t.mu.Lock()
	t.conn = nil
	t.state = wsDisconnected
	t.currentURL = ""
	t.mu.Unlock()
	t.metrics.WsConnectionState.WithLabelValues(t.cfg.AdapterName, t.cfg.Endpoint).Set(float64(wsDisconnected))
}
