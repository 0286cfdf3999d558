package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/loykin/stallwatch/internal/stack"
)

var (
	// ErrLoopRunning is returned when Run is called on a loop that is already running.
	ErrLoopRunning = errors.New("loop: already running")
	// ErrLoopTerminated is returned when work is submitted to a stopped loop.
	ErrLoopTerminated = errors.New("loop: terminated")
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Loop is a cooperative single-goroutine executor. Tasks run one at a time, in
// submission order, on the goroutine that called Run. A task that does not
// return starves every other task, including timers; that is exactly the
// condition the watchdog detects.
type Loop struct {
	mu         sync.Mutex
	tasks      *queue.Queue
	terminated bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	running atomic.Bool
	gid     atomic.Uint64
	log     *slog.Logger
}

type Option func(*Loop)

// WithLogger sets the logger used for task panics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run executes tasks on the calling goroutine until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(l.done)
	l.gid.Store(stack.CurrentGoroutineID())
	defer l.gid.Store(0)

	for {
		for {
			select {
			case <-l.quit:
				return nil
			default:
			}
			t, ok := l.next()
			if !ok {
				break
			}
			l.exec(t)
		}
		select {
		case <-ctx.Done():
			l.terminate()
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}
	}
}

// Stop asks the loop to exit after the current task. It does not wait; use Done.
func (l *Loop) Stop() {
	l.terminate()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// GoroutineID returns the ID of the goroutine running the loop, or 0 when the
// loop is not running.
func (l *Loop) GoroutineID() uint64 { return l.gid.Load() }

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

// Post queues t for execution on the loop goroutine.
func (l *Loop) Post(t Task) error {
	if t == nil {
		return errors.New("loop: nil task")
	}
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks.Add(t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// After posts t once d has elapsed. The returned function cancels it if it has
// not been queued yet.
func (l *Loop) After(d time.Duration, t Task) (cancel func()) {
	tm := time.AfterFunc(d, func() { _ = l.Post(t) })
	return func() { tm.Stop() }
}

// Every runs fn on the loop every d. The next run is armed only after the
// previous one finished, so runs do not pile up while the loop is blocked.
func (l *Loop) Every(d time.Duration, fn func()) (stop func(), err error) {
	if d <= 0 {
		return nil, fmt.Errorf("loop: invalid interval %v", d)
	}
	if fn == nil {
		return nil, errors.New("loop: nil task")
	}
	l.mu.Lock()
	terminated := l.terminated
	l.mu.Unlock()
	if terminated {
		return nil, ErrLoopTerminated
	}

	r := &repeat{}
	var tick Task
	tick = func() {
		if r.stopped.Load() {
			return
		}
		fn()
		r.mu.Lock()
		if !r.stopped.Load() {
			r.timer.Reset(d)
		}
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.timer = time.AfterFunc(d, func() { _ = l.Post(tick) })
	r.mu.Unlock()
	return r.stop, nil
}

type repeat struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped atomic.Bool
}

func (r *repeat) stop() {
	r.stopped.Store(true)
	r.mu.Lock()
	r.timer.Stop()
	r.mu.Unlock()
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks.Length() == 0 {
		return nil, false
	}
	return l.tasks.Remove().(Task), true
}

func (l *Loop) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", "panic", r)
		}
	}()
	t()
}

func (l *Loop) terminate() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.terminated = true
		l.mu.Unlock()
		close(l.quit)
	})
}
