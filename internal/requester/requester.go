// Package requester implements the bounded, coalescing HTTP client of
// spec.md §4.6: a fixed-depth queue of pending upstream calls, a
// fixed-size worker pool that drains it, fingerprint-based request
// coalescing, and exponential-backoff retry.
package requester

import (
	"container/list"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/dist-adapter/ea-framework/internal/apierr"
	"github.com/dist-adapter/ea-framework/internal/obsv"
)

// Do is a caller-supplied upstream call. It returns apierr.TimeoutError
// for a non-retryable timeout, or any other error for a retryable
// failure.
type Do func(ctx context.Context) (*http.Response, error)

type result struct {
	resp *http.Response
	err  error
}

type job struct {
	fingerprint string
	ctx         context.Context
	do          Do
	waiters     []chan result
	enqueuedAt  time.Time
}

// Config bounds the requester's queue depth, retry policy, and worker
// concurrency.
type Config struct {
	MaxQueueLength int
	Concurrency    int
	RetryAttempts  int
}

// Requester is a bounded, coalescing, retrying HTTP dispatcher.
type Requester struct {
	cfg     Config
	metrics *obsv.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	queue    *list.List // of *job, FIFO
	inFlight map[string]*job
	closed   bool
}

// New starts cfg.Concurrency worker goroutines, each pulling from a
// shared FIFO queue bounded at cfg.MaxQueueLength.
func New(cfg Config, metrics *obsv.Metrics) *Requester {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxQueueLength < 1 {
		cfg.MaxQueueLength = 1
	}
	r := &Requester{
		cfg:      cfg,
		metrics:  metrics,
		queue:    list.New(),
		inFlight: make(map[string]*job),
	}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < cfg.Concurrency; i++ {
		go r.worker()
	}
	return r
}

// Do submits a request for execution under fingerprint. Concurrent
// calls sharing a fingerprint that is already queued or in flight are
// coalesced onto the same upstream call (spec.md §4.6 "request
// coalescing"). If the queue is at capacity and fingerprint is new,
// the oldest queued (not in-flight) job is evicted with a 429 queue
// overflow error.
func (r *Requester) Do(ctx context.Context, fingerprint string, do Do) (*http.Response, error) {
	waiter := make(chan result, 1)

	r.mu.Lock()
	if j, ok := r.inFlight[fingerprint]; ok {
		j.waiters = append(j.waiters, waiter)
		r.metrics.RequesterCoalesced.Inc()
		r.mu.Unlock()
	} else if j := r.findQueuedLocked(fingerprint); j != nil {
		j.waiters = append(j.waiters, waiter)
		r.metrics.RequesterCoalesced.Inc()
		r.mu.Unlock()
	} else {
		if r.queue.Len() >= r.cfg.MaxQueueLength {
			r.evictOldestLocked()
		}
		j := &job{fingerprint: fingerprint, ctx: ctx, do: do, waiters: []chan result{waiter}, enqueuedAt: time.Now()}
		r.queue.PushBack(j)
		r.metrics.RequesterQueueDepth.Set(float64(r.queue.Len()))
		r.cond.Signal()
		r.mu.Unlock()
	}

	select {
	case res := <-waiter:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Requester) findQueuedLocked(fingerprint string) *job {
	for e := r.queue.Front(); e != nil; e = e.Next() {
		if j := e.Value.(*job); j.fingerprint == fingerprint {
			return j
		}
	}
	return nil
}

// evictOldestLocked drops the front (oldest) queued job and fails its
// waiters with a queue-overflow error, per spec.md §4.6.
func (r *Requester) evictOldestLocked() {
	front := r.queue.Front()
	if front == nil {
		return
	}
	r.queue.Remove(front)
	evicted := front.Value.(*job)
	r.metrics.RequesterQueueOverflow.Inc()
	overflowErr := apierr.New(apierr.RateLimitError, "request queue overflow, oldest pending request evicted", nil)
	for _, w := range evicted.waiters {
		w <- result{err: overflowErr}
		close(w)
	}
}

// worker pulls jobs off the queue and executes them with retry, in a
// loop, until Close is called.
func (r *Requester) worker() {
	for {
		r.mu.Lock()
		for r.queue.Len() == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed && r.queue.Len() == 0 {
			r.mu.Unlock()
			return
		}
		front := r.queue.Front()
		r.queue.Remove(front)
		j := front.Value.(*job)
		r.inFlight[j.fingerprint] = j
		r.metrics.RequesterQueueDepth.Set(float64(r.queue.Len()))
		r.mu.Unlock()

		resp, err := r.executeWithRetry(j.ctx, j.do)

		r.mu.Lock()
		waiters := j.waiters
		delete(r.inFlight, j.fingerprint)
		r.mu.Unlock()

		for _, w := range waiters {
			w <- result{resp: resp, err: err}
			close(w)
		}
	}
}

// executeWithRetry runs do up to cfg.RetryAttempts+1 times with
// exponential backoff (2^attempt + jitter) * 1s, per spec.md §4.6.
// Timeouts are not retried and surface as apierr.TimeoutError (504).
func (r *Requester) executeWithRetry(ctx context.Context, do Do) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.RetryAttempts; attempt++ {
		resp, err := do(ctx)
		if err == nil {
			return resp, nil
		}
		if isTimeout(err) {
			return nil, apierr.New(apierr.TimeoutError, "provider request timed out", err)
		}
		lastErr = err
		if attempt == r.cfg.RetryAttempts {
			break
		}
		r.metrics.RequesterRetries.Inc()
		time.Sleep(backoff(attempt))
	}
	return nil, apierr.New(apierr.ConnectionError, "provider request failed after retries", lastErr)
}

func backoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	jitter := rand.Float64()
	return time.Duration((base + jitter) * float64(time.Second))
}

func isTimeout(err error) bool {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) && apiErr.Kind == apierr.TimeoutError {
		return true
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return err == context.DeadlineExceeded
}

// Close stops accepting new work and lets idle workers exit once the
// queue drains. In-flight jobs complete normally.
func (r *Requester) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}
