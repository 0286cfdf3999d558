package episode

import (
	"time"

	"github.com/loykin/stallwatch/internal/liveness"
)

// State of the tracker.
type State int

const (
	Idle State = iota
	Suspect
	Blocked
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Suspect:
		return "suspect"
	case Blocked:
		return "blocked"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind of an episode event handed to the emitter.
type Kind int

const (
	Detected Kind = iota
	StillBlocked
	Ended
)

func (k Kind) String() string {
	switch k {
	case Detected:
		return "detected"
	case StillBlocked:
		return "blocked"
	case Ended:
		return "closed"
	default:
		return "unknown"
	}
}

// Episode is one contiguous stall. Times are on the liveness monotonic clock.
type Episode struct {
	Seq         uint64
	StartedAt   time.Duration
	Generation  uint64
	Blocked     time.Duration
	Stack       string
	NoticedWall time.Time
}

// Event is a snapshot of an episode at one transition or refresh.
type Event struct {
	Kind    Kind
	Episode Episode
}

// Tracker turns liveness samples into stall episodes. It is driven by a single
// goroutine (the watchdog) and is not safe for concurrent use.
type Tracker struct {
	threshold time.Duration
	capture   func() string
	wall      func() time.Time

	state    State
	open     *Episode
	last     *Episode
	seq      uint64
	captures uint64
}

// NewTracker opens an episode when a heartbeat is older than threshold.
// capture is invoked once per episode at detection time.
func NewTracker(threshold time.Duration, capture func() string) *Tracker {
	if capture == nil {
		capture = func() string { return "" }
	}
	return &Tracker{threshold: threshold, capture: capture, wall: time.Now}
}

func (t *Tracker) State() State { return t.state }

// Open returns a copy of the open episode, if any.
func (t *Tracker) Open() (Episode, bool) {
	if t.open == nil {
		return Episode{}, false
	}
	return *t.open, true
}

// Last returns the most recently closed episode.
func (t *Tracker) Last() (Episode, bool) {
	if t.last == nil {
		return Episode{}, false
	}
	return *t.last, true
}

// Seen is the number of episodes opened since the tracker was created.
func (t *Tracker) Seen() uint64 { return t.seq }

// Captures is the number of stack snapshots taken.
func (t *Tracker) Captures() uint64 { return t.captures }

// Observe feeds one poll into the state machine. ok reports whether any
// heartbeat has been recorded yet; no episode is opened before the first one.
func (t *Tracker) Observe(s liveness.Sample, ok bool, now time.Duration) (Event, bool) {
	if t.open != nil {
		if ok && s.Generation > t.open.Generation {
			return t.close(s), true
		}
		blocked := now - t.open.StartedAt
		if blocked > t.open.Blocked {
			t.open.Blocked = blocked
		}
		return Event{Kind: StillBlocked, Episode: *t.open}, true
	}
	if !ok {
		return Event{}, false
	}
	elapsed := now - s.At
	if elapsed <= t.threshold {
		t.state = Idle
		return Event{}, false
	}

	t.state = Suspect
	t.seq++
	ep := &Episode{
		Seq:         t.seq,
		StartedAt:   s.At,
		Generation:  s.Generation,
		Blocked:     elapsed,
		NoticedWall: t.wall(),
	}
	ep.Stack = t.capture()
	t.captures++
	t.open = ep
	t.state = Blocked
	return Event{Kind: Detected, Episode: *ep}, true
}

// close finalizes the open episode. The stall lasted from the last heartbeat
// before it to the heartbeat that ended it.
func (t *Tracker) close(recovered liveness.Sample) Event {
	ep := *t.open
	if blocked := recovered.At - ep.StartedAt; blocked > ep.Blocked {
		ep.Blocked = blocked
	}
	t.open = nil
	t.last = &ep
	// Closed is transient: once handed off the tracker is idle again.
	t.state = Idle
	return Event{Kind: Ended, Episode: ep}
}
