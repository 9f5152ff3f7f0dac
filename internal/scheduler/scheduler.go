// Package scheduler dispatches admitted jobs to a bounded set of worker
// goroutines in priority order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/cwygoda/fetcher/internal/domain"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler closed")

// Runner executes one job. It must call release exactly once, as soon as the
// job has reached a terminal state, so the permit can serve the next job.
// The context is cancelled when the scheduler shuts down.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, release func())
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *domain.Job, release func())

func (f RunnerFunc) Run(ctx context.Context, job *domain.Job, release func()) {
	f(ctx, job, release)
}

// Options configures a Scheduler.
type Options struct {
	Workers   int
	QueueHint int
	Logger    *slog.Logger
	// OnPanic is called when a Runner panics, after the permit is released.
	OnPanic func(job *domain.Job, err error)
}

// Scheduler runs a single control loop that takes the best waiting job once
// a permit is free and hands it to a worker goroutine. At most Workers jobs
// run at a time.
type Scheduler struct {
	runner  Runner
	sem     *semaphore.Weighted
	logger  *slog.Logger
	onPanic func(*domain.Job, error)

	mu     sync.Mutex
	queue  *waitQueue
	paused bool
	closed bool

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	workers  conc.WaitGroup
}

// New creates a scheduler and starts its control loop.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:   runner,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		logger:   opts.Logger,
		onPanic:  opts.OnPanic,
		queue:    newWaitQueue(opts.QueueHint),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Submit enqueues an admitted job. It never waits for a permit.
func (s *Scheduler) Submit(job *domain.Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue.Push(job)
	s.mu.Unlock()

	s.signal()
	return nil
}

// Pause stops dispatching. Jobs already running are not affected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts dispatching after Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// Paused reports whether dispatching is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Waiting returns the number of jobs not yet dispatched.
func (s *Scheduler) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	for {
		// Take the permit first so that the job picked is the best one
		// waiting at the moment a slot frees up.
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		job, ok := s.next()
		if !ok {
			s.sem.Release(1)
			return
		}
		s.dispatch(s.ctx, job, s.permitRelease())
	}
}

// next blocks until a job can be dispatched or the scheduler is closing.
func (s *Scheduler) next() (*domain.Job, bool) {
	for {
		if s.ctx.Err() != nil {
			return nil, false
		}
		s.mu.Lock()
		if !s.paused && s.queue.Len() > 0 {
			job := s.queue.Pop()
			s.mu.Unlock()
			return job, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

func (s *Scheduler) permitRelease() func() {
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }
}

func (s *Scheduler) dispatch(ctx context.Context, job *domain.Job, release func()) {
	s.logger.Debug("dispatching job", "job", job.ID(), "priority", job.Priority())

	s.workers.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { s.runner.Run(ctx, job, release) })
		release()

		if r := pc.Recovered(); r != nil {
			err := r.AsError()
			s.logger.Error("job runner panicked", "job", job.ID(), "error", err)
			if s.onPanic != nil {
				s.onPanic(job, err)
			}
		}
	})
}

// Close stops the control loop and cancels the context of running jobs.
// Jobs still waiting are handed to the runner with the cancelled context so
// each reaches a terminal state. Close then waits for all runners to return
// or for ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.loopDone

	s.mu.Lock()
	rest := s.queue.Drain()
	s.mu.Unlock()

	for _, job := range rest {
		s.dispatch(s.ctx, job, func() {})
	}
	if len(rest) > 0 {
		s.logger.Debug("flushed waiting jobs on close", "count", len(rest))
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}
