// Package queue provides the serial execution contexts every codec session
// owns: a work context that orders ingestion and teardown, and a delivery
// context that calls the consumer without ever blocking the codec's own
// completion thread.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ErrClosed is returned when submitting to a Serial after Close.
var ErrClosed = errors.New("queue: closed")

// Serial runs submitted functions one at a time, in submission order, on a
// dedicated goroutine. Submission never blocks: the backlog is unbounded so
// a capture thread can hand off work and return immediately.
type Serial struct {
	name string
	log  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closing bool
	running bool

	// owner is the id of the goroutine that runs tasks.
	owner atomic.Int64

	done chan struct{}
}

// NewSerial starts a Serial named name. If log is nil, slog.Default() is used.
func NewSerial(name string, log *slog.Logger) *Serial {
	if log == nil {
		log = slog.Default()
	}
	q := &Serial{
		name: name,
		log:  log.With("queue", name),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Name returns the label the Serial was created with.
func (q *Serial) Name() string { return q.name }

// Go enqueues fn and returns immediately.
func (q *Serial) Go(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return ErrClosed
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return nil
}

// Sync enqueues fn and waits until it has run. Called from a task running
// on the same Serial, it runs fn inline instead.
func (q *Serial) Sync(fn func()) error {
	if q.InTask() {
		q.mu.Lock()
		closing := q.closing
		q.mu.Unlock()
		if closing {
			return ErrClosed
		}
		q.call(fn)
		return nil
	}
	ran := make(chan struct{})
	if err := q.Go(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// Len reports the number of queued tasks, including one in progress.
func (q *Serial) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	if q.running {
		n++
	}
	return n
}

// InTask reports whether the caller is running inside one of q's tasks.
func (q *Serial) InTask() bool { return q.owner.Load() == goid.Get() }

// Close stops accepting work, runs everything already queued, and waits for
// the goroutine to exit. Called from one of q's own tasks it does not wait;
// the backlog still drains once that task returns. It is safe to call more
// than once.
func (q *Serial) Close() {
	q.mu.Lock()
	q.closing = true
	q.cond.Signal()
	q.mu.Unlock()
	if q.InTask() {
		return
	}
	<-q.done
}

func (q *Serial) run() {
	defer close(q.done)
	q.owner.Store(goid.Get())
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closing {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.running = true
		q.mu.Unlock()

		q.call(fn)

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}
}

// call runs one task. A panicking task is logged and the queue keeps going.
func (q *Serial) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", "error", fmt.Sprint(r))
		}
	}()
	fn()
}
