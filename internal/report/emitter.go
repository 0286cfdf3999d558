package report

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stallwatch/internal/episode"
	"github.com/loykin/stallwatch/internal/metrics"
)

// Notifier receives every emitted report in addition to the output stream.
// Implementations must not block.
type Notifier interface {
	Notify(r Report)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(r Report)

func (f NotifierFunc) Notify(r Report) { f(r) }

// Stats is a point-in-time summary of emitter activity.
type Stats struct {
	EpisodesSeen       uint64    `json:"episodes_seen"`
	Emitted            uint64    `json:"emitted"`
	SuppressedGrace    uint64    `json:"suppressed_grace"`
	SuppressedDebounce uint64    `json:"suppressed_debounce"`
	Deferred           uint64    `json:"deferred"`
	WriteErrors        uint64    `json:"write_errors"`
	LastEmittedAt      time.Time `json:"last_emitted_at,omitempty"`
	Pending            bool      `json:"pending"`
}

// Emitter applies the throttle and writes admitted reports to the output,
// one Write call per line. It never returns or panics on output failure.
type Emitter struct {
	mu       sync.Mutex
	w        io.Writer
	throttle *Throttle
	notifier Notifier
	log      *slog.Logger

	pending *Report
	stats   Stats
}

type Option func(*Emitter)

func WithNotifier(n Notifier) Option {
	return func(e *Emitter) { e.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEmitter(w io.Writer, th *Throttle, opts ...Option) *Emitter {
	e := &Emitter{w: w, throttle: th, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Handle runs one episode event through the throttle. now is on the
// liveness monotonic clock.
func (e *Emitter) Handle(ev episode.Event, now time.Duration) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.throttle.Admit(ev, now)
	e.stats.EpisodesSeen = e.throttle.Seen()
	r := FromEvent(ev)
	switch d {
	case Emit:
		if ev.Kind == episode.Ended {
			e.pending = nil
		}
		e.write(r)
	case Defer:
		e.pending = &r
		e.stats.Deferred++
		metrics.IncSuppressed(d.String())
	case SuppressGrace:
		e.stats.SuppressedGrace++
		metrics.IncSuppressed(d.String())
	case SuppressDebounce:
		e.stats.SuppressedDebounce++
		metrics.IncSuppressed(d.String())
	}
	return d
}

// Flush writes a deferred closed report once the debounce window has passed.
// It reports whether anything was written.
func (e *Emitter) Flush(now time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || !e.throttle.Ready(now) {
		return false
	}
	r := *e.pending
	e.pending = nil
	e.throttle.record(now)
	e.write(r)
	return true
}

// Stats returns a copy of the current counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Pending = e.pending != nil
	return s
}

func (e *Emitter) write(r Report) {
	e.stats.Emitted++
	e.stats.LastEmittedAt = time.Now()
	metrics.IncReport(r.Event)
	line, err := Marshal(r)
	if err != nil {
		e.stats.WriteErrors++
		metrics.IncWriteError()
		e.log.Debug("encode report", "error", err)
		return
	}
	if e.w != nil {
		if err := e.safeWrite(line); err != nil {
			e.stats.WriteErrors++
			metrics.IncWriteError()
		}
	}
	e.notify(r)
}

func (e *Emitter) safeWrite(line []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanicked
		}
	}()
	_, err = e.w.Write(line)
	return err
}

func (e *Emitter) notify(r Report) {
	if e.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn("report notifier panicked", "panic", p)
		}
	}()
	e.notifier.Notify(r)
}
