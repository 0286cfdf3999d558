package notify

import (
	"sync"
	"sync/atomic"

	"github.com/loykin/stallwatch/internal/report"
)

// Callback is invoked by the watchdog for every emitted report. It runs on the
// watchdog goroutine and must return quickly.
type Callback func(r report.Report)

// Slot is a single callback holder with last-write-wins semantics. There is no
// unsubscribe; setting nil clears it.
type Slot struct {
	fn atomic.Pointer[Callback]
}

// Set replaces the callback.
func (s *Slot) Set(fn Callback) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

// Notify implements report.Notifier.
func (s *Slot) Notify(r report.Report) {
	if p := s.fn.Load(); p != nil {
		(*p)(r)
	}
}

var process Slot

// Process returns the process-wide slot hosts subscribe through.
func Process() *Slot { return &process }

// Subscribe sets the process-wide callback.
func Subscribe(fn Callback) { process.Set(fn) }

// Fanout delivers each report to every notifier in order.
type Fanout []report.Notifier

func (f Fanout) Notify(r report.Report) {
	for _, n := range f {
		if n != nil {
			n.Notify(r)
		}
	}
}

// Ring keeps the most recent reports in memory.
type Ring struct {
	mu   sync.Mutex
	buf  []report.Report
	next int
	full bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 64
	}
	return &Ring{buf: make([]report.Report, size)}
}

func (r *Ring) Notify(rep report.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rep
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit reports, newest first. limit <= 0 returns all.
func (r *Ring) Recent(limit int) []report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]report.Report, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
