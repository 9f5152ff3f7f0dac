// Package downloader is the caller-owned entry point: it admits jobs,
// schedules them on a bounded worker pool and reports their lifecycle.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cwygoda/fetcher/internal/delivery"
	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/registry"
	"github.com/cwygoda/fetcher/internal/scheduler"
	"github.com/cwygoda/fetcher/internal/worker"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("download manager closed")

const (
	DefaultWorkers   = 3
	DefaultQueueSize = 20
)

// Options configures a Manager.
type Options struct {
	Workers int
	// QueueSize sizes the waiting queue up front. It is not a limit.
	QueueSize int
	// DestDir is used for jobs that set neither a path nor a directory.
	DestDir string
	// Executor runs listener callbacks. When nil the manager starts its own
	// single goroutine and drains it on Close.
	Executor delivery.Executor
	// Listener receives the events of every job.
	Listener domain.Listener
	Worker   worker.Options
	Logger   *slog.Logger
}

// Manager owns a registry, a scheduler and a worker.
type Manager struct {
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	worker  *worker.Worker
	events  *delivery.Channel
	owned   *delivery.SerialExecutor
	destDir string
	logger  *slog.Logger
	closed  atomic.Bool
}

// New creates a manager and starts its scheduler.
func New(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = opts.Logger
	}

	m := &Manager{
		reg:     registry.New(),
		worker:  worker.New(opts.Worker),
		destDir: opts.DestDir,
		logger:  opts.Logger,
	}
	exec := opts.Executor
	if exec == nil {
		m.owned = delivery.NewSerialExecutor()
		exec = m.owned
	}
	m.events = delivery.New(exec, opts.Listener)
	m.sched = scheduler.New(scheduler.RunnerFunc(m.run), scheduler.Options{
		Workers:   opts.Workers,
		QueueHint: opts.QueueSize,
		Logger:    opts.Logger,
		OnPanic:   m.recoverJob,
	})
	return m
}

// Add admits job and returns its id. The destination is resolved before the
// job is queued.
func (m *Manager) Add(job *domain.Job) (int64, error) {
	if m.closed.Load() {
		return domain.UnassignedID, ErrClosed
	}
	if err := m.reg.Add(job); err != nil {
		return domain.UnassignedID, err
	}
	if _, err := job.ResolveDestination(m.destDir); err != nil {
		m.reg.Finish(job)
		return domain.UnassignedID, fmt.Errorf("resolve destination: %w", err)
	}
	if err := m.sched.Submit(job); err != nil {
		m.reg.Finish(job)
		if errors.Is(err, scheduler.ErrClosed) {
			return domain.UnassignedID, ErrClosed
		}
		return domain.UnassignedID, err
	}

	m.logger.Debug("job admitted", "job", job.ID(), "url", job.URL(), "priority", job.Priority())
	return job.ID(), nil
}

func (m *Manager) run(ctx context.Context, job *domain.Job, release func()) {
	m.reg.Start(job)
	m.worker.Transfer(ctx, job, &tracker{m: m, release: release})
}

// finish removes job from the registry and frees its permit. It runs before
// the terminal event is posted, so a listener may add the job again.
func (m *Manager) finish(job *domain.Job, release func()) {
	m.reg.Finish(job)
	release()
}

func (m *Manager) recoverJob(job *domain.Job, err error) {
	if !m.reg.Finish(job) {
		return
	}
	job.SetState(domain.StateFailure)
	m.events.Failure(job, domain.CodeInvalid, fmt.Sprintf("internal error: %v", err))
}

// Cancel requests cancellation of the job with the given id. It reports
// whether such a job is admitted.
func (m *Manager) Cancel(id int64) bool { return m.reg.Cancel(id) > 0 }

// CancelURL requests cancellation of every job with the given URL.
func (m *Manager) CancelURL(url string) int { return m.reg.CancelURL(url) }

// Stop requests a stop of the job with the given id.
func (m *Manager) Stop(id int64) bool { return m.reg.Stop(id) > 0 }

// StopURL requests a stop of every job with the given URL.
func (m *Manager) StopURL(url string) int { return m.reg.StopURL(url) }

// CancelAll requests cancellation of every admitted job.
func (m *Manager) CancelAll() int { return m.reg.CancelAll() }

// StopAll requests a stop of every admitted job.
func (m *Manager) StopAll() int { return m.reg.StopAll() }

// Query returns the state of an admitted job, or domain.StateInvalid.
func (m *Manager) Query(id int64) domain.State { return m.reg.Query(id) }

// QueryURL returns the state of the admitted job with the given URL.
func (m *Manager) QueryURL(url string) domain.State { return m.reg.QueryURL(url) }

// Job returns a snapshot of an admitted job.
func (m *Manager) Job(id int64) (domain.Snapshot, bool) {
	j, ok := m.reg.Get(id)
	if !ok {
		return domain.Snapshot{}, false
	}
	return j.Snapshot(), true
}

// Jobs returns snapshots of all admitted jobs.
func (m *Manager) Jobs() []domain.Snapshot { return m.reg.Jobs() }

// Pause stops starting new jobs. Running jobs continue.
func (m *Manager) Pause() { m.sched.Pause() }

// Resume restarts scheduling after Pause.
func (m *Manager) Resume() { m.sched.Resume() }

// Stats is a summary of the manager's load.
type Stats struct {
	Waiting int  `json:"waiting"`
	Active  int  `json:"active"`
	Paused  bool `json:"paused"`
}

func (m *Manager) Stats() Stats {
	w, a := m.reg.Counts()
	return Stats{Waiting: w, Active: a, Paused: m.sched.Paused()}
}

// Close stops admission and interrupts all jobs. Running jobs stop with
// their partial files kept; waiting jobs receive their terminal event
// without starting a transfer. Close waits for workers until ctx expires,
// then drains the callback executor if the manager owns it.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.sched.Close(ctx)
	if m.owned != nil {
		m.owned.Close()
	}
	return err
}

// tracker forwards worker events, releasing the job before the terminal one.
type tracker struct {
	m       *Manager
	release func()
}

func (t *tracker) Start(job *domain.Job, total int64) { t.m.events.Start(job, total) }

func (t *tracker) Retry(job *domain.Job) { t.m.events.Retry(job) }

func (t *tracker) Progress(job *domain.Job, written, total int64) {
	t.m.events.Progress(job, written, total)
}

func (t *tracker) Success(job *domain.Job) {
	t.m.finish(job, t.release)
	t.m.events.Success(job)
}

func (t *tracker) Failure(job *domain.Job, code int, message string) {
	t.m.finish(job, t.release)
	t.m.events.Failure(job, code, message)
}

func (t *tracker) Cancel(job *domain.Job) {
	t.m.finish(job, t.release)
	t.m.events.Cancel(job)
}

func (t *tracker) Stop(job *domain.Job) {
	t.m.finish(job, t.release)
	t.m.events.Stop(job)
}

var _ worker.Events = (*tracker)(nil)
