// Package taskqueue runs the units of work of one component strictly one at a time.
//
// Each stateful component owns exactly one Queue. Callers on any goroutine Submit
// closures; a single worker goroutine executes them in submission order:
//
//	caller-1 ──Submit(a)──┐
//	caller-2 ──Submit(b)──┼──→ [a b c ...] ──→ worker: a(); b(); c()
//	watch    ──Submit(c)──┘
//
// Submit never blocks, so a task may submit follow-up work to its own queue.
package taskqueue

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Queue is a FIFO of tasks drained by one dedicated goroutine.
type Queue struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{} // buffered(1): a pending signal is never lost
	done chan struct{} // closed when the worker exits
}

// New starts the worker goroutine of a queue.
func New(name string, logger *zap.Logger) *Queue {
	q := &Queue{
		name: name,
		log:  logger.Named("taskqueue").With(zap.String("queue", name)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit appends task to the queue. It returns false if the queue is stopped.
func (q *Queue) Submit(task func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.log.Debug("task rejected, queue stopped")
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until every task submitted before the call has finished.
// It must not be called from a task of the same queue.
func (q *Queue) Sync() {
	barrier := make(chan struct{})
	if !q.Submit(func() { close(barrier) }) {
		<-q.done
		return
	}
	<-barrier
}

// Stop rejects further tasks, runs the ones already queued and waits for the worker to exit.
// It must not be called from a task of the same queue.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.execute(task)
	}
}

// execute runs one task; a panic is logged and the loop keeps going.
func (q *Queue) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	task()
}
