package hook

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Listener runs the matching hook for every successful download. Commands
// run on a bounded pool so event delivery is never blocked by them.
type Listener struct {
	domain.BaseListener
	registry *Registry
	pool     *pool.Pool
	slots    *semaphore.Weighted
	logger   *slog.Logger
}

// NewListener creates a Listener running at most workers commands at once.
func NewListener(registry *Registry, workers int, logger *slog.Logger) *Listener {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		registry: registry,
		pool:     pool.New(),
		slots:    semaphore.NewWeighted(int64(workers)),
		logger:   logger,
	}
}

func (l *Listener) OnSuccess(id int64, url, path string) {
	c := l.registry.Match(url)
	if c == nil {
		return
	}
	l.pool.Go(func() {
		// Acquire inside the task: pool.Go must not block the caller.
		l.slots.Acquire(context.Background(), 1)
		defer l.slots.Release(1)

		l.logger.Info("running hook", "job", id, "hook", c.Name(), "path", path)
		if err := c.Run(context.Background(), url, path); err != nil {
			l.logger.Error("hook failed", "job", id, "hook", c.Name(), "error", err)
			return
		}
		l.logger.Debug("hook finished", "job", id, "hook", c.Name())
	})
}

// Wait blocks until every started command has returned. The listener must
// not receive events afterwards.
func (l *Listener) Wait() {
	l.pool.Wait()
}
