// Package host provides the single logical thread on which notifications
// for the control surface are delivered. Engine goroutines never invoke a
// host callback directly; they schedule it on a Loop.
package host

import (
	"log/slog"
	"sync"
)

// Loop runs scheduled functions one at a time, in submission order, on a
// single goroutine.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool // a function is executing
	closed  bool

	done chan struct{}
}

// NewLoop creates a loop and starts its goroutine.
func NewLoop(logger *slog.Logger) *Loop {
	l := &Loop{
		logger: logger.With("subsystem", "host-loop"),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Schedule queues fn to run on the loop goroutine. It never blocks. After
// Close, Schedule drops fn and returns false.
func (l *Loop) Schedule(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Broadcast()
	return true
}

// Drain blocks until every function scheduled before the call has run.
// Calling Drain from the loop goroutine deadlocks.
func (l *Loop) Drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 || l.running {
		l.cond.Wait()
	}
}

// Pending returns the number of queued functions not yet started.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops accepting work, runs what is already queued, and waits for the
// loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)

	l.mu.Lock()
	for {
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.running = true
		l.mu.Unlock()

		l.call(fn)

		l.mu.Lock()
		l.running = false
		l.cond.Broadcast()
	}
}

// call runs fn, recovering a panic so one broken handler does not stop
// delivery to the others.
func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("host callback panicked", "panic", r)
		}
	}()
	fn()
}
