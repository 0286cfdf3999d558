package liveness

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Scheduler runs fn periodically on the monitored context.
// Every returns a stop function that cancels further runs.
type Scheduler interface {
	Every(d time.Duration, fn func()) (stop func(), err error)
}

var ErrBeaconStarted = errors.New("liveness: beacon already started")

// Beacon proves the monitored context is still scheduling work by calling
// State.Beat from inside it every interval.
type Beacon struct {
	state    *State
	interval time.Duration

	mu   sync.Mutex
	stop func()
}

func NewBeacon(state *State, interval time.Duration) *Beacon {
	return &Beacon{state: state, interval: interval}
}

// Start schedules the recurring heartbeat. A scheduling failure only disables
// the beacon; the caller decides how to degrade.
func (b *Beacon) Start(s Scheduler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		return ErrBeaconStarted
	}
	if b.interval <= 0 {
		return fmt.Errorf("liveness: invalid beacon interval %v", b.interval)
	}
	stop, err := s.Every(b.interval, b.state.Beat)
	if err != nil {
		return fmt.Errorf("liveness: schedule heartbeat: %w", err)
	}
	b.stop = stop
	return nil
}

// Stop cancels the heartbeat. It is safe to call more than once.
func (b *Beacon) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
}
