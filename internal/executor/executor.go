// Package executor runs the background transports (batch-HTTP,
// websocket, SSE) of spec.md §4.9: one goroutine per (endpoint,
// transport) pair, paced by the endpoint's rate-limit interval, with
// cooperative shutdown that lets an in-flight tick finish rather than
// cancelling it. The goroutine-per-unit/WaitGroup/stop-channel shape
// follows warming's WorkerPool.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dist-adapter/ea-framework/internal/obsv"
	"github.com/dist-adapter/ea-framework/internal/ratelimit"
)

// Job is one schedulable background unit: an endpoint's transport
// tick function, paced against the shared rate limiter.
type Job struct {
	AdapterName string
	Endpoint    string
	Transport   string
	Execute     func(ctx context.Context) error
}

// Executor owns one goroutine per registered Job.
type Executor struct {
	limiter *ratelimit.Limiter
	metrics *obsv.Metrics
	anomaly *obsv.AnomalyTracker
	log     zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	jobs     []Job
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New builds an Executor. Jobs are registered via Register before
// Start is called; Register after Start has no effect on the running
// set. timeout bounds a single tick (spec.md §5's "background execute
// timeout" — a tick that exceeds it is abandoned and recorded as an
// error); zero means no deadline.
func New(limiter *ratelimit.Limiter, metrics *obsv.Metrics, timeout time.Duration, log zerolog.Logger) *Executor {
	return &Executor{
		limiter: limiter,
		metrics: metrics,
		anomaly: obsv.NewAnomalyTracker(),
		timeout: timeout,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// Register adds a background job to be run once Start is called.
func (e *Executor) Register(job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
}

// Start launches one goroutine per registered job. It is a no-op if
// already started.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.stopChan = make(chan struct{})

	for _, job := range e.jobs {
		job := job
		e.wg.Add(1)
		go e.run(job)
	}
}

// Shutdown signals every job goroutine to stop after its current tick
// and waits for them to drain. It never cancels a tick in progress.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	stop := e.stopChan
	e.mu.Unlock()

	close(stop)
	e.wg.Wait()
}

func (e *Executor) run(job Job) {
	defer e.wg.Done()

	labels := []string{job.AdapterName, job.Endpoint, job.Transport}
	anomalyKey := job.AdapterName + "|" + job.Endpoint + "|" + job.Transport

	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		waitMs := e.limiter.MsUntilNextExecution(job.Endpoint)
		if waitMs > 0 {
			select {
			case <-e.stopChan:
				return
			case <-time.After(time.Duration(waitMs) * time.Millisecond):
			}
		}

		tickCtx := context.Background()
		cancel := func() {}
		if e.timeout > 0 {
			tickCtx, cancel = context.WithTimeout(tickCtx, e.timeout)
		}

		started := time.Now()
		err := job.Execute(tickCtx)
		cancel()
		elapsed := time.Since(started)

		e.metrics.BackgroundTickDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
		score := e.anomaly.Observe(anomalyKey, elapsed.Seconds())
		e.metrics.BackgroundTickAnomaly.WithLabelValues(labels...).Set(score)

		if err != nil {
			e.metrics.BackgroundTickErrors.WithLabelValues(labels...).Inc()
			if errors.Is(err, context.DeadlineExceeded) {
				e.log.Warn().Str("endpoint", job.Endpoint).Str("transport", job.Transport).Msg("background tick abandoned: timeout exceeded")
			} else {
				e.log.Warn().Err(err).Str("endpoint", job.Endpoint).Str("transport", job.Transport).Msg("background tick failed")
			}
		}
	}
}
