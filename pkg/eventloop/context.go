package eventloop

import (
	"runtime/debug"
)

// Kind distinguishes the scheduling model of a Context.
type Kind int

const (
	// KindEventLoop runs tasks on the context's event loop.
	KindEventLoop Kind = iota
	// KindWorker runs tasks serially on a dedicated worker goroutine where
	// blocking is allowed.
	KindWorker
	// KindMultiThreadedWorker runs every task on its own goroutine.
	KindMultiThreadedWorker
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEventLoop:
		return "event-loop"
	case KindWorker:
		return "worker"
	case KindMultiThreadedWorker:
		return "multi-threaded-worker"
	default:
		return "unknown"
	}
}

// Context is the execution context user callbacks run on. Every context is
// pinned to one event loop of its group; that loop is its affinity key even
// when tasks execute elsewhere (worker contexts).
type Context struct {
	kind Kind
	loop *Loop
	exec *Loop // serial executor for worker contexts
}

// Kind returns the scheduling model.
func (c *Context) Kind() Kind {
	return c.kind
}

// EventLoop returns the loop this context is pinned to.
func (c *Context) EventLoop() *Loop {
	return c.loop
}

// IsEventLoop reports whether tasks run on the event loop itself.
func (c *Context) IsEventLoop() bool {
	return c.kind == KindEventLoop
}

// IsWorker reports whether blocking is allowed on this context.
func (c *Context) IsWorker() bool {
	return c.kind == KindWorker || c.kind == KindMultiThreadedWorker
}

// IsMultiThreadedWorker reports whether tasks may run concurrently.
func (c *Context) IsMultiThreadedWorker() bool {
	return c.kind == KindMultiThreadedWorker
}

// RunOnContext schedules task without waiting for it.
func (c *Context) RunOnContext(task func()) {
	switch c.kind {
	case KindMultiThreadedWorker:
		go c.loop.runTask(task)
	case KindWorker:
		if err := c.exec.Execute(task); err != nil {
			c.loop.logger.Warn("task dropped", "error", err)
		}
	default:
		if err := c.loop.Execute(task); err != nil {
			c.loop.logger.Warn("task dropped", "error", err)
		}
	}
}

// RunAndWait schedules task and blocks until it has run. A panic inside task
// is recovered and returned as a *PanicError. It must not be called from a
// task already running on the same context.
func (c *Context) RunAndWait(task func()) error {
	done := make(chan error, 1)
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		task()
		done <- nil
	}

	switch c.kind {
	case KindMultiThreadedWorker:
		go wrapped()
	case KindWorker:
		if err := c.exec.Execute(wrapped); err != nil {
			return err
		}
	default:
		if err := c.loop.Execute(wrapped); err != nil {
			return err
		}
	}
	return <-done
}
