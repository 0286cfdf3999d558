package liveness

import (
	"sync/atomic"
	"time"
)

// Sample is one heartbeat as seen by the watchdog.
// At is measured on the monotonic clock of the owning State.
type Sample struct {
	At         time.Duration
	Generation uint64
}

// State is the single shared cell between the monitored context and the watchdog.
// It has exactly one writer (the beacon running on the monitored context) and
// one reader (the watchdog); a single atomic pointer swap publishes a sample.
type State struct {
	anchor time.Time
	cur    atomic.Pointer[Sample]
}

func NewState() *State {
	return &State{anchor: time.Now()}
}

// Now returns the monotonic time elapsed since the state was created.
func (s *State) Now() time.Duration { return time.Since(s.anchor) }

// Beat publishes a fresh sample with the next generation number.
// It must only be called from the monitored context.
func (s *State) Beat() {
	var gen uint64 = 1
	if prev := s.cur.Load(); prev != nil {
		gen = prev.Generation + 1
	}
	s.cur.Store(&Sample{At: s.Now(), Generation: gen})
}

// Load returns the newest sample. ok is false until the first heartbeat.
func (s *State) Load() (Sample, bool) {
	p := s.cur.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}
