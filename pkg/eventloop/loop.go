package eventloop

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrLoopClosed is returned when a task is submitted to a closed loop.
var ErrLoopClosed = errors.New("eventloop: loop closed")

// Loop is a single goroutine that runs submitted tasks one at a time, in
// submission order. The queue is unbounded so Execute never blocks.
type Loop struct {
	id     int
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	exited chan struct{}
}

func newLoop(id int, name string, logger *slog.Logger) *Loop {
	l := &Loop{
		id:     id,
		name:   name,
		logger: logger.With("loop", name),
		exited: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// ID returns the loop index inside its group.
func (l *Loop) ID() int {
	return l.id
}

// String returns the loop name.
func (l *Loop) String() string {
	return l.name
}

// Execute enqueues task. It returns ErrLoopClosed if the loop has been closed.
func (l *Loop) Execute(task func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks that have not started yet.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops accepting tasks, runs what is already queued and waits for
// the loop goroutine to exit. Close is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
	<-l.exited
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.runTask(task)
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

// PanicError carries a value recovered from a task run with RunAndWait.
type PanicError struct {
	Value any
	Stack []byte
}

// Error returns the panic message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("eventloop: task panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
