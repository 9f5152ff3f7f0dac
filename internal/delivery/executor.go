package delivery

import "sync"

// Executor runs posted units of work, in submission order.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs work on the posting goroutine. Order across goroutines is not
// preserved; it is meant for tests and single-worker setups.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// SerialExecutor runs work on one dedicated goroutine. The backlog is
// unbounded so posting never blocks a transfer.
type SerialExecutor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewSerialExecutor starts the executor goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Execute queues fn. After Close, fn runs on the caller's goroutine.
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn()
		return
	}
	e.pending = append(e.pending, fn)
	e.mu.Unlock()
	e.cond.Signal()
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.mu.Unlock()

		fn()
	}
}

// Close runs the remaining backlog and stops the goroutine.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	<-e.done
}
