package requester

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/obsv"
)

func TestDo_CoalescesSameFingerprint(t *testing.T) {
	r := New(Config{MaxQueueLength: 10, Concurrency: 2, RetryAttempts: 0}, obsv.New("test_coalesce"))
	defer r.Close()

	var calls int32
	do := func(ctx context.Context) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return &http.Response{StatusCode: 200}, nil
	}

	var wg sync.WaitGroup
	results := make([]*http.Response, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := r.Do(context.Background(), "same-fingerprint", do)
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, resp := range results {
		require.Equal(t, 200, resp.StatusCode)
	}
}

func TestDo_QueueOverflowEvictsOldest(t *testing.T) {
	r := New(Config{MaxQueueLength: 1, Concurrency: 1, RetryAttempts: 0}, obsv.New("test_overflow"))
	defer r.Close()

	block := make(chan struct{})
	blocking := func(ctx context.Context) (*http.Response, error) {
		<-block
		return &http.Response{StatusCode: 200}, nil
	}
	fast := func(ctx context.Context) (*http.Response, error) {
		return &http.Response{StatusCode: 200}, nil
	}

	// The first Do occupies the single worker; it is in-flight, not queued.
	started := make(chan struct{})
	go func() {
		close(started)
		r.Do(context.Background(), "A", blocking)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// These two queue behind A; the queue capacity is 1, so B is evicted
	// when C arrives.
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Do(context.Background(), "B", fast)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// C cannot run until the worker is free of A, so it is issued from
	// its own goroutine and checked once A is released.
	cErr := make(chan error, 1)
	go func() {
		_, err := r.Do(context.Background(), "C", fast)
		cErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	close(block)
	require.NoError(t, <-cErr)

	bErr := <-errCh
	require.Error(t, bErr)
	var apiErr *apierr.Error
	require.ErrorAs(t, bErr, &apiErr)
	require.Equal(t, apierr.RateLimitError, apiErr.Kind)
}

func TestDo_RetriesThenFails(t *testing.T) {
	r := New(Config{MaxQueueLength: 10, Concurrency: 1, RetryAttempts: 2}, obsv.New("test_retries"))
	defer r.Close()

	var calls int32
	alwaysFails := func(ctx context.Context) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, context.Canceled
	}

	start := time.Now()
	_, err := r.Do(context.Background(), "fails", alwaysFails)
	require.Error(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}
