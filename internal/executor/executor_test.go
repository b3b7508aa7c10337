package executor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/ratelimit"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestExecutor_RunsRegisteredJobRepeatedly(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Tiers{PerSecond: 1000}, []ratelimit.EndpointAllocation{{Name: "price"}})
	metrics := obsv.New("test_executor_repeat")

	var calls atomic.Int32
	exec := New(limiter, metrics, 0, testLogger())
	exec.Register(Job{
		AdapterName: "TEST", Endpoint: "price", Transport: "batchhttp",
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	})

	exec.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	exec.Shutdown()
}

func TestExecutor_ErrorDoesNotStopTheLoop(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Tiers{PerSecond: 1000}, []ratelimit.EndpointAllocation{{Name: "price"}})
	metrics := obsv.New("test_executor_err")

	var calls atomic.Int32
	exec := New(limiter, metrics, 0, testLogger())
	exec.Register(Job{
		AdapterName: "TEST", Endpoint: "price", Transport: "websocket",
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("upstream unavailable")
		},
	})

	exec.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	exec.Shutdown()

	count := testutilCounterValue(t, metrics, "test_executor_err_background_tick_error_total")
	require.Greater(t, count, float64(0))
}

func TestExecutor_ShutdownWaitsForInFlightTick(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Tiers{PerSecond: 1000}, []ratelimit.EndpointAllocation{{Name: "price"}})
	metrics := obsv.New("test_executor_shutdown")

	tickStarted := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	exec := New(limiter, metrics, 0, testLogger())
	exec.Register(Job{
		AdapterName: "TEST", Endpoint: "price", Transport: "batchhttp",
		Execute: func(ctx context.Context) error {
			select {
			case <-tickStarted:
			default:
				close(tickStarted)
			}
			<-release
			finished.Store(true)
			return nil
		},
	})

	exec.Start()
	<-tickStarted

	done := make(chan struct{})
	go func() {
		exec.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned before the in-flight tick released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	require.True(t, finished.Load())
}

func TestExecutor_AbandonsTickThatExceedsTimeout(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Tiers{PerSecond: 1000}, []ratelimit.EndpointAllocation{{Name: "price"}})
	metrics := obsv.New("test_executor_timeout")

	var calls atomic.Int32
	exec := New(limiter, metrics, 10*time.Millisecond, testLogger())
	exec.Register(Job{
		AdapterName: "TEST", Endpoint: "price", Transport: "websocket",
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	exec.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	exec.Shutdown()

	count := testutilCounterValue(t, metrics, "test_executor_timeout_background_tick_error_total")
	require.Greater(t, count, float64(0))
}

func testutilCounterValue(t *testing.T, metrics *obsv.Metrics, name string) float64 {
	t.Helper()
	mfs, err := metrics.Registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
