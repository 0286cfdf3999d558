package stallwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stallwatch/internal/config"
	"github.com/loykin/stallwatch/internal/liveness"
	"github.com/loykin/stallwatch/internal/logger"
	"github.com/loykin/stallwatch/internal/loop"
	"github.com/loykin/stallwatch/internal/metrics"
	"github.com/loykin/stallwatch/internal/notify"
	"github.com/loykin/stallwatch/internal/report"
	iapi "github.com/loykin/stallwatch/internal/server"
	"github.com/loykin/stallwatch/internal/stack"
	"github.com/loykin/stallwatch/internal/watchdog"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Watchdog

type File = config.File

type HistoryConfig = config.HistoryConfig

type MetricsConfig = config.MetricsConfig

type ServerConfig = config.ServerConfig

type Report = report.Report

type Stats = watchdog.Stats

type Loop = loop.Loop

type Notifier = report.Notifier

type Capturer = stack.Capturer

// ErrAlreadyWatched is returned by WatchLoop for a loop that already has a
// watchdog. The existing handle is returned with it.
var ErrAlreadyWatched = errors.New("stallwatch: loop already watched")

// DefaultRecentReports is the size of the in-memory report ring of a handle.
const DefaultRecentReports = 64

// Options tune one watch. The zero value resolves the configuration from the
// DUMP_STACKS_* environment and writes reports to the configured stream.
type Options struct {
	// Config overrides environment resolution.
	Config *Config
	// Output overrides the configured report target.
	Output io.Writer
	Logger *slog.Logger
	// Capturer replaces the default capture of the loop goroutine's stack.
	Capturer Capturer
	// Notifier receives every emitted report in addition to the process-wide
	// Subscribe callback.
	Notifier      Notifier
	RecentReports int
}

// Handle controls a watched loop. It is safe for concurrent use.
type Handle struct {
	mon    watchdog.Monitor
	beacon *liveness.Beacon
	ring   *notify.Ring
	loop   *loop.Loop
	closer io.Closer
	// owned is set when Watch created the loop, so Stop also stops it.
	owned bool

	stopOnce sync.Once
}

var (
	watchedMu sync.Mutex
	watched   = map[*loop.Loop]*Handle{}
)

// NewLoop returns an idle loop; run it with Run on the goroutine that should
// be monitored.
func NewLoop(l *slog.Logger) *Loop { return loop.New(loop.WithLogger(l)) }

// Watch starts a new loop on its own goroutine and watches it. Stopping the
// handle stops the loop too.
func Watch(opts Options) (*Loop, *Handle) {
	lp := NewLoop(opts.Logger)
	go func() { _ = lp.Run(context.Background()) }()
	h, _ := WatchLoop(lp, opts)
	h.owned = true
	return lp, h
}

// WatchLoop attaches a watchdog to lp. It never fails in a way that should
// stop the host: a disabled configuration or a startup failure yields a
// handle backed by the no-op monitor.
func WatchLoop(lp *Loop, opts Options) (*Handle, error) {
	watchedMu.Lock()
	defer watchedMu.Unlock()
	if h, ok := watched[lp]; ok {
		return h, ErrAlreadyWatched
	}
	h := start(lp, opts)
	watched[lp] = h
	return h, nil
}

func start(lp *loop.Loop, opts Options) *Handle {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "stallwatch")
	cfg := config.FromEnv()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	h := &Handle{mon: watchdog.Nop{}, ring: notify.NewRing(valOr(opts.RecentReports, DefaultRecentReports)), loop: lp}
	if !cfg.Enabled {
		log.Debug("watchdog disabled")
		return h
	}

	w := opts.Output
	if w == nil {
		var err error
		w, h.closer, err = logger.Config{}.ReportWriter(cfg.Output, cfg.OutputFile)
		if err != nil {
			log.Warn("report output unavailable, using stderr", "error", err)
			w = os.Stderr
		}
	}

	th := report.NewThrottle(uint64(cfg.IgnoreInitialSpins), cfg.ReportOnce)
	em := report.NewEmitter(w, th,
		report.WithNotifier(notify.Fanout{notify.Process(), h.ring, opts.Notifier}),
		report.WithLogger(log))

	capturer := opts.Capturer
	if capturer == nil {
		capturer = stack.Goroutine{ID: lp.GoroutineID}
	}
	state := liveness.NewState()
	wd := watchdog.New(cfg, state, capturer, em, watchdog.WithLogger(log))

	beacon := liveness.NewBeacon(state, cfg.HeartbeatInterval())
	if err := beacon.Start(lp); err != nil {
		log.Warn("watchdog not started: heartbeat unavailable", "error", err)
		h.closeOutput()
		return h
	}
	if err := wd.Start(); err != nil {
		beacon.Stop()
		log.Warn("watchdog not started", "error", err)
		h.closeOutput()
		return h
	}
	h.mon, h.beacon = wd, beacon
	return h
}

// Stop halts the watchdog and the heartbeat. A stall still open is not
// reported. It is safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mon.Stop()
		if h.beacon != nil {
			h.beacon.Stop()
		}
		h.closeOutput()
		if h.owned {
			h.loop.Stop()
		}
		watchedMu.Lock()
		if watched[h.loop] == h {
			delete(watched, h.loop)
		}
		watchedMu.Unlock()
	})
}

// Active reports whether a real watchdog backs the handle.
func (h *Handle) Active() bool {
	_, nop := h.mon.(watchdog.Nop)
	return !nop
}

func (h *Handle) Stats() Stats { return h.mon.Stats() }

// Recent returns up to limit of the latest reports, newest first.
func (h *Handle) Recent(limit int) []Report { return h.ring.Recent(limit) }

func (h *Handle) closeOutput() {
	if h.closer != nil {
		_ = h.closer.Close()
		h.closer = nil
	}
}

// Subscribe sets the process-wide report callback. The last call wins;
// passing nil clears it. fn runs on the watchdog goroutine.
func Subscribe(fn func(Report)) { notify.Subscribe(fn) }

// IsReportLine reports whether line is a serialized report.
func IsReportLine(line []byte) bool { return report.IsLine(line) }

// ParseReport decodes one serialized report line.
func ParseReport(line []byte) (Report, error) { return report.Parse(line) }

func LoadConfig(path string) (*File, error) { return config.Load(path) }

// ConfigFromEnv resolves the watchdog configuration from the environment.
func ConfigFromEnv() Config { return config.FromEnv() }

// NewHTTPServer starts an HTTP server exposing the status API for h.
func NewHTTPServer(addr, basePath string, h *Handle) *http.Server {
	r := iapi.NewRouter(h, h, basePath, iapi.WithMetrics(metrics.Handler()))
	return iapi.NewServer(addr, r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
