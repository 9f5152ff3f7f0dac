// Package delivery hands job lifecycle events to listeners on a
// caller-supplied executor, keeping each job's events in the order produced.
package delivery

import "github.com/cwygoda/fetcher/internal/domain"

// Channel posts listener calls onto an Executor. Job fields are read when
// the event is posted, not when it runs.
type Channel struct {
	exec   Executor
	global domain.Listener
}

// New creates a Channel. global, if not nil, receives every event of every
// job in addition to the job's own listeners.
func New(exec Executor, global domain.Listener) *Channel {
	if exec == nil {
		exec = Inline
	}
	return &Channel{exec: exec, global: global}
}

type target struct {
	id       int64
	url      string
	path     string
	detailed domain.Listener
	simple   domain.SimpleListener
}

func (c *Channel) target(job *domain.Job) (target, bool) {
	t := target{
		id:     job.ID(),
		url:    job.URL(),
		path:   job.Destination(),
		simple: job.SimpleListener(),
	}
	switch l := job.Listener(); {
	case l != nil && c.global != nil:
		t.detailed = domain.MultiListener{l, c.global}
	case l != nil:
		t.detailed = l
	default:
		t.detailed = c.global
	}
	return t, t.detailed != nil || t.simple != nil
}

func (c *Channel) post(job *domain.Job, fn func(t target)) {
	t, ok := c.target(job)
	if !ok {
		return
	}
	c.exec.Execute(func() { fn(t) })
}

func (c *Channel) Start(job *domain.Job, total int64) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnStart(t.id, t.url, t.path, total)
		}
	})
}

func (c *Channel) Retry(job *domain.Job) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnRetry(t.id, t.url, t.path)
		}
	})
}

func (c *Channel) Progress(job *domain.Job, written, total int64) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnProgress(t.id, t.url, t.path, written, total)
		}
	})
}

func (c *Channel) Success(job *domain.Job) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnSuccess(t.id, t.url, t.path)
		}
		if t.simple != nil {
			t.simple.OnSuccess(t.id, t.url, t.path)
		}
	})
}

func (c *Channel) Failure(job *domain.Job, code int, message string) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnFailure(t.id, t.url, t.path, code, message)
		}
		if t.simple != nil {
			t.simple.OnFailure(t.id, t.url, code, message)
		}
	})
}

func (c *Channel) Cancel(job *domain.Job) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnCancel(t.id, t.url, t.path)
		}
	})
}

func (c *Channel) Stop(job *domain.Job) {
	c.post(job, func(t target) {
		if t.detailed != nil {
			t.detailed.OnStop(t.id, t.url, t.path)
		}
	})
}
