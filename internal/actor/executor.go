// Package actor provides a single-threaded executor: one unbounded inbox
// drained by one goroutine. State owned by an executor is only touched from
// tasks submitted to it, so it needs no locks.
package actor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("actor: executor closed")

// Executor runs submitted tasks one at a time in submission order.
type Executor struct {
	name string
	log  *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts an executor. name identifies it in logs.
func New(name string, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		name: name,
		log:  log.With(zap.String("executor", name)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit enqueues fn. It returns false if the executor is closed.
func (e *Executor) Submit(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Do submits fn and waits until it has run or ctx is done. Calling Do from
// a task of the same executor deadlocks.
func (e *Executor) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !e.Submit(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		// The task may have been the last one drained.
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the worker to exit. It must not be called from a task.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
	<-e.done
}

// Done is closed once the worker has exited.
func (e *Executor) Done() <-chan struct{} { return e.done }

func (e *Executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, fn := range batch {
			e.runTask(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.wake
	}
}

func (e *Executor) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
