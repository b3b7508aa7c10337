package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvalidationEvent_RoundTripsThroughJSON(t *testing.T) {
	ev := InvalidationEvent{
		AdapterName: "TEST",
		Keys:        []string{"TEST-price-rest-{}", "TEST-volume-batch-http-{}"},
		TriggeredAt: time.Now().UTC().Truncate(time.Millisecond),
		RequestID:   "req-123",
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got InvalidationEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, ev, got)
}

func TestRefreshEvent_RoundTripsThroughJSON(t *testing.T) {
	ev := RefreshEvent{
		AdapterName: "TEST",
		Endpoint:    "price",
		Params:      []map[string]any{{"base": "BTC"}},
		TriggeredAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got RefreshEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, ev, got)
}

func TestWarmCompletedEvent_RoundTripsThroughJSON(t *testing.T) {
	ev := WarmCompletedEvent{
		AdapterName: "TEST", Endpoint: "price", Transport: "rest",
		Success: true, Duration: 250 * time.Millisecond,
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got WarmCompletedEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, ev, got)
}
