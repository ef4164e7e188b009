package workqueue

import (
	"sync"
	"sync/atomic"
)

// Serial runs submitted tasks one at a time, in submission order, on a single
// goroutine it owns.
//
// It is used wherever callbacks must leave the caller's stack (and its locks)
// without losing ordering: event fan-out, engine operations, socket writes.
type Serial struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxTasks int
	tasks    []func()

	done  chan struct{}
	drops atomic.Uint64
}

// NewSerial starts the worker. maxTasks <= 0 means unbounded.
func NewSerial(maxTasks int) *Serial {
	q := &Serial{
		maxTasks: maxTasks,
		done:     make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues task. It never blocks and reports false when the queue is
// closed or full.
func (q *Serial) Submit(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return false
	}
	if q.maxTasks > 0 && len(q.tasks) >= q.maxTasks {
		q.drops.Add(1)
		return false
	}
	q.tasks = append(q.tasks, task)
	q.notEmpty.Signal()
	return true
}

// Close stops accepting tasks. Tasks already queued still run.
func (q *Serial) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Stop stops accepting tasks and discards anything not yet started.
func (q *Serial) Stop() {
	q.mu.Lock()
	q.closed = true
	for i := range q.tasks {
		q.tasks[i] = nil
	}
	q.tasks = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Done is closed once the worker has exited.
func (q *Serial) Done() <-chan struct{} {
	return q.done
}

func (q *Serial) DropCount() uint64 {
	return q.drops.Load()
}

func (q *Serial) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Serial) run() {
	defer close(q.done)
	for {
		task, ok := q.next()
		if !ok {
			return
		}
		task()
	}
}

func (q *Serial) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	copy(q.tasks, q.tasks[1:])
	q.tasks[len(q.tasks)-1] = nil
	q.tasks = q.tasks[:len(q.tasks)-1]
	return task, true
}
