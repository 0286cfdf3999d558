package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/stallwatch/internal/metrics"
	"github.com/loykin/stallwatch/internal/report"
)

// Event is one emitted report enriched with host context, ready for export.
type Event struct {
	OccurredAt time.Time              `json:"occurred_at"`
	Host       string                 `json:"host"`
	PID        int                    `json:"pid"`
	Report     report.Report          `json:"report"`
	Process    *metrics.ProcessSample `json:"process,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

var ErrRecorderClosed = errors.New("history: recorder closed")

// Recorder forwards reports to a Sink from its own goroutine so that slow
// sinks never hold up the watchdog. Notify never blocks; when the queue is
// full the event is dropped and counted.
type Recorder struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
	sampler *metrics.Sampler
	host    string
	pid     int
	log     *slog.Logger

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type RecorderOption func(*Recorder)

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

func WithSendTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSampler attaches a process sampler; each event then carries a resource
// reading taken when it was dequeued.
func WithSampler(s *metrics.Sampler) RecorderOption {
	return func(r *Recorder) { r.sampler = s }
}

func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRecorder starts the delivery goroutine. Call Close to drain and stop it.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	host, _ := os.Hostname()
	r := &Recorder{
		sink:    sink,
		queue:   make(chan Event, DefaultQueueSize),
		timeout: DefaultSendTimeout,
		host:    host,
		pid:     os.Getpid(),
		log:     slog.Default(),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.run()
	return r
}

// Notify implements report.Notifier.
func (r *Recorder) Notify(rep report.Report) {
	select {
	case <-r.quit:
		metrics.IncSinkError("closed")
		return
	default:
	}
	e := Event{OccurredAt: time.Now().UTC(), Host: r.host, PID: r.pid, Report: rep}
	select {
	case r.queue <- e:
	default:
		metrics.IncSinkError("queue_full")
		r.log.Warn("history queue full, dropping event", "episode", rep.Episode, "event", rep.Event)
	}
}

// Pending returns the number of queued events.
func (r *Recorder) Pending() int { return len(r.queue) }

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case e := <-r.queue:
			r.deliver(e)
		case <-r.quit:
			for {
				select {
				case e := <-r.queue:
					r.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) deliver(e Event) {
	if r.sampler != nil {
		if ps, err := r.sampler.Sample(); err == nil {
			e.Process = &ps
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		metrics.IncSinkError("send")
		r.log.Warn("history sink send failed", "error", err, "episode", e.Report.Episode)
	}
}

// Close drains queued events, stops the worker and closes the sink if it
// implements io.Closer. It is safe to call more than once.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done
		if c, ok := r.sink.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
