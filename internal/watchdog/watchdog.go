package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/loykin/stallwatch/internal/config"
	"github.com/loykin/stallwatch/internal/episode"
	"github.com/loykin/stallwatch/internal/liveness"
	"github.com/loykin/stallwatch/internal/metrics"
	"github.com/loykin/stallwatch/internal/report"
	"github.com/loykin/stallwatch/internal/stack"
)

var (
	ErrAlreadyStarted = errors.New("watchdog: already started")
	ErrStopped        = errors.New("watchdog: stopped")
	ErrInvalidConfig  = errors.New("watchdog: check interval must be positive")
)

// Monitor is what callers hold on to: a running watchdog or the disabled
// stand-in.
type Monitor interface {
	Stop()
	Stats() Stats
}

// Stats is a point-in-time view of a watchdog.
type Stats struct {
	State          string       `json:"state"`
	Running        bool         `json:"running"`
	Episodes       uint64       `json:"episodes"`
	Captures       uint64       `json:"captures"`
	Generation     uint64       `json:"generation"`
	HeartbeatAgeMs int64        `json:"heartbeat_age_ms"`
	OpenEpisode    uint64       `json:"open_episode,omitempty"`
	BlockedMs      int64        `json:"blocked_ms"`
	LastBlockedMs  int64        `json:"last_blocked_ms"`
	Report         report.Stats `json:"report"`
}

// Watchdog polls the liveness state from its own locked OS thread and feeds
// the episode tracker and emitter. It never touches the monitored context
// except through the stack capturer.
type Watchdog struct {
	cfg      config.Watchdog
	state    *liveness.State
	capturer stack.Capturer
	emitter  *report.Emitter
	tracker  *episode.Tracker
	log      *slog.Logger
	spawn    func(fn func()) error

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}

	statMu sync.Mutex
	stats  Stats
}

type Option func(*Watchdog)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.log = l
		}
	}
}

// New builds a watchdog. The capturer may be nil, in which case every
// episode carries an empty stack.
func New(cfg config.Watchdog, state *liveness.State, c stack.Capturer, e *report.Emitter, opts ...Option) *Watchdog {
	w := &Watchdog{
		cfg:      cfg,
		state:    state,
		capturer: c,
		emitter:  e,
		log:      slog.Default(),
		spawn:    func(fn func()) error { go fn(); return nil },
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.tracker = episode.NewTracker(cfg.ObserveInterval, w.capture)
	w.stats.State = episode.Idle.String()
	return w
}

// Start launches the polling goroutine. A watchdog can be started once.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.started {
		return ErrAlreadyStarted
	}
	if w.cfg.CheckInterval <= 0 {
		return ErrInvalidConfig
	}
	if err := w.spawn(w.run); err != nil {
		return err
	}
	w.started = true
	w.setRunning(true)
	return nil
}

// Stop signals the polling goroutine and waits for it. An episode still open
// at this point is dropped, as is a deferred report.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.quit)
	}
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	w.setRunning(false)
}

// Done is closed when the polling goroutine exits.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

func (w *Watchdog) Stats() Stats {
	w.statMu.Lock()
	s := w.stats
	w.statMu.Unlock()
	if w.emitter != nil {
		s.Report = w.emitter.Stats()
	}
	return s
}

func (w *Watchdog) run() {
	defer close(w.done)
	// the poller owns an OS thread for its whole life
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t := time.NewTicker(w.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-t.C:
			w.poll(w.state.Now())
		}
	}
}

// poll is one watchdog step at monotonic time now.
func (w *Watchdog) poll(now time.Duration) {
	if w.emitter != nil {
		w.emitter.Flush(now)
	}
	s, ok := w.state.Load()
	if ok {
		metrics.SetHeartbeatAge((now - s.At).Seconds())
	}
	ev, fired := w.tracker.Observe(s, ok, now)
	if fired {
		switch ev.Kind {
		case episode.Detected:
			metrics.IncEpisode()
			w.log.Debug("event loop stall detected", "episode", ev.Episode.Seq, "blocked", ev.Episode.Blocked)
		case episode.Ended:
			metrics.ObserveBlocked(ev.Episode.Blocked.Seconds())
			w.log.Debug("event loop stall ended", "episode", ev.Episode.Seq, "blocked", ev.Episode.Blocked)
		}
		if w.emitter != nil {
			w.emitter.Handle(ev, now)
		}
	}
	w.record(s, ok, now)
}

func (w *Watchdog) record(s liveness.Sample, ok bool, now time.Duration) {
	w.statMu.Lock()
	defer w.statMu.Unlock()
	st := &w.stats
	st.State = w.tracker.State().String()
	st.Episodes = w.tracker.Seen()
	st.Captures = w.tracker.Captures()
	if ok {
		st.Generation = s.Generation
		st.HeartbeatAgeMs = (now - s.At).Milliseconds()
	}
	st.OpenEpisode, st.BlockedMs = 0, 0
	if ep, open := w.tracker.Open(); open {
		st.OpenEpisode = ep.Seq
		st.BlockedMs = ep.Blocked.Milliseconds()
	}
	if ep, closed := w.tracker.Last(); closed {
		st.LastBlockedMs = ep.Blocked.Milliseconds()
	}
}

func (w *Watchdog) setRunning(v bool) {
	w.statMu.Lock()
	w.stats.Running = v
	w.statMu.Unlock()
}

// capture never blocks longer than the configured timeout; failures yield an
// empty stack.
func (w *Watchdog) capture() string {
	timeout := w.cfg.CaptureTimeout
	if timeout <= 0 {
		timeout = config.Defaults().CaptureTimeout
	}
	trace, err := stack.Snapshot(context.Background(), w.capturer, timeout)
	if err != nil {
		metrics.IncCaptureFailure()
		w.log.Debug("stack capture failed", "error", err)
	}
	return trace
}

// Nop is the monitor used when the watchdog is disabled or failed to start.
type Nop struct{}

func (Nop) Stop() {}

func (Nop) Stats() Stats { return Stats{State: "disabled"} }
