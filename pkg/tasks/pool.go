package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/rs/zerolog"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	// Workers is the number of concurrent workers.
	Workers int

	// QueueSize bounds the number of jobs waiting for a worker.
	QueueSize int

	// JobTimeout bounds a single attempt. Zero means no timeout.
	JobTimeout time.Duration

	// MaxRetries is how often a retryable failure is attempted again.
	MaxRetries int

	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration
}

func (c *PoolConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
}

// Pool runs jobs on a fixed set of workers fed by a buffered queue.
type Pool struct {
	cfg      PoolConfig
	handler  Handler
	logger   zerolog.Logger
	recorder Recorder

	queue chan Job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// NewPool creates a pool executing jobs with handler.
func NewPool(handler Handler, cfg PoolConfig, logger zerolog.Logger) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "pool").Logger(),
		queue:   make(chan Job, cfg.QueueSize),
	}
}

// WithRecorder reports job outcomes to r.
func (p *Pool) WithRecorder(r Recorder) *Pool {
	p.recorder = r
	return p
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Debug().Int("workers", p.cfg.Workers).Msg("Worker pool started")
}

// Dispatch queues job without waiting for it to run.
func (p *Pool) Dispatch(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.record(job, OutcomeDropped, 0)
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, job)
	}
}

// Stop closes the queue and waits for the workers to finish queued jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
		p.cancel()
	}
	p.logger.Debug().Msg("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// run executes job with retries for retryable failures.
func (p *Pool) run(ctx context.Context, job Job) {
	logger := p.logger.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Logger()
	start := time.Now()

	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		err = p.attempt(ctx, job)
		if err == nil || !retryable(err) || attempt >= p.cfg.MaxRetries {
			break
		}

		backoff := p.backoff(attempt, err)
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Retrying job")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = p.cfg.MaxRetries
		}
	}

	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		p.record(job, OutcomeFailed, time.Since(start))
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Job completed")
	p.record(job, OutcomeSucceeded, time.Since(start))
}

// retryable reports whether a failed job is attempted again. A job that
// ran out of time is not: the next reconcile pass dispatches it anew.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return engine.IsRetryable(err)
}

func (p *Pool) attempt(ctx context.Context, job Job) (err error) {
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job, r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

// backoff grows exponentially from the base delay, waits longer for
// throttled and conflicting backends, and is capped at one minute.
func (p *Pool) backoff(attempt int, err error) time.Duration {
	base := p.cfg.BaseBackoff
	switch engine.Classify(err) {
	case engine.ErrorClassThrottled:
		base *= 5
	case engine.ErrorClassConflict:
		base *= 2
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay + delay/8
}

func (p *Pool) record(job Job, outcome string, d time.Duration) {
	if p.recorder != nil {
		p.recorder.RecordTask(string(job.Kind), outcome, d)
	}
}
