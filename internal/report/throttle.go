package report

import (
	"time"

	"github.com/loykin/stallwatch/internal/episode"
)

// Decision is the throttle verdict for one episode event.
type Decision int

const (
	Emit Decision = iota
	SuppressGrace
	SuppressDebounce
	Defer
)

func (d Decision) String() string {
	switch d {
	case Emit:
		return "emit"
	case SuppressGrace:
		return "grace"
	case SuppressDebounce:
		return "debounce"
	case Defer:
		return "deferred"
	default:
		return "unknown"
	}
}

type episodeState struct {
	seq         uint64
	graced      bool
	reported    bool
	lastEmitted time.Duration
}

// Throttle holds process-lifetime emission state. Times are on the liveness
// monotonic clock. Not safe for concurrent use; the Emitter serializes access.
//
// Policy:
//   - the first grace episodes since start are counted but never emitted;
//   - no two emissions are closer than window, across all episodes;
//   - a closed event that falls inside the window is deferred instead of dropped.
type Throttle struct {
	grace  uint64
	window time.Duration

	seen        uint64
	emitted     bool
	lastEmitted time.Duration
	cur         episodeState
}

func NewThrottle(grace uint64, window time.Duration) *Throttle {
	return &Throttle{grace: grace, window: window}
}

// Seen returns the number of episodes observed since start.
func (t *Throttle) Seen() uint64 { return t.seen }

// Admit decides whether ev is written now. An Emit verdict records the emission.
func (t *Throttle) Admit(ev episode.Event, now time.Duration) Decision {
	if ev.Kind == episode.Detected || ev.Episode.Seq != t.cur.seq {
		t.seen++
		t.cur = episodeState{seq: ev.Episode.Seq, graced: t.seen <= t.grace}
	}
	if t.cur.graced {
		return SuppressGrace
	}
	switch ev.Kind {
	case episode.Detected:
		if !t.Ready(now) {
			return SuppressDebounce
		}
	case episode.StillBlocked:
		if !t.Ready(now) {
			return SuppressDebounce
		}
		if t.cur.reported && now-t.cur.lastEmitted < t.window {
			return SuppressDebounce
		}
	case episode.Ended:
		if !t.Ready(now) {
			return Defer
		}
	}
	t.record(now)
	t.cur.reported = true
	t.cur.lastEmitted = now
	return Emit
}

// Ready reports whether the debounce window has passed since the last emission.
func (t *Throttle) Ready(now time.Duration) bool {
	return !t.emitted || now-t.lastEmitted >= t.window
}

func (t *Throttle) record(now time.Duration) {
	t.emitted = true
	t.lastEmitted = now
}
