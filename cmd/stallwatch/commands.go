package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/gops/agent"

	"github.com/loykin/stallwatch"
	"github.com/loykin/stallwatch/internal/history"
	"github.com/loykin/stallwatch/internal/history/factory"
	"github.com/loykin/stallwatch/internal/metrics"
	"github.com/loykin/stallwatch/internal/report"
)

// armTimeout bounds the wait for the first heartbeat; a block before it
// would go unnoticed.
const armTimeout = 2 * time.Second

// runWorkload watches a fresh loop while it executes f.Blocks. out overrides
// the configured report stream when non-nil.
func runWorkload(ctx context.Context, configPath string, f RunFlags, out io.Writer) (stallwatch.Stats, error) {
	fc, err := stallwatch.LoadConfig(configPath)
	if err != nil {
		return stallwatch.Stats{}, fmt.Errorf("error loading config: %w", err)
	}
	log := fc.Log.NewSlogger()

	if f.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Warn("gops agent not started", "error", err)
		} else {
			defer agent.Close()
		}
	}

	metricsAddr := f.MetricsListen
	if metricsAddr == "" && fc.Metrics.Enabled {
		metricsAddr = fc.Metrics.Listen
	}
	if metricsAddr != "" {
		if err := stallwatch.RegisterMetricsDefault(); err != nil {
			return stallwatch.Stats{}, fmt.Errorf("register metrics: %w", err)
		}
		srv := serveMetrics(metricsAddr, log)
		defer func() { _ = srv.Close() }()
	}

	var notifier stallwatch.Notifier
	dsn := f.HistoryDSN
	if dsn == "" && fc.History.Enabled {
		dsn = fc.History.DSN
	}
	if dsn != "" {
		rec, err := newRecorder(dsn, fc.History, log)
		if err != nil {
			return stallwatch.Stats{}, err
		}
		// runs after the watchdog is stopped so no report is lost
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn("close history sink", "error", err)
			}
		}()
		notifier = rec
	}

	lp, h := stallwatch.Watch(stallwatch.Options{Config: &fc.Watchdog, Output: out, Logger: log, Notifier: notifier})
	defer h.Stop()

	apiAddr := f.APIListen
	if apiAddr == "" && fc.Server.Enabled {
		apiAddr = fc.Server.Listen
	}
	if apiAddr != "" {
		srv := stallwatch.NewHTTPServer(apiAddr, fc.Server.BasePath, h)
		defer func() { _ = srv.Close() }()
		log.Info("status API listening", "addr", apiAddr, "base", fc.Server.BasePath)
	}

	if h.Active() {
		waitArmed(ctx, h)
	}
	for i, d := range f.Blocks {
		done := make(chan struct{})
		if err := lp.Post(func() { defer close(done); burn(d) }); err != nil {
			return h.Stats(), fmt.Errorf("post block %d: %w", i, err)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return h.Stats(), ctx.Err()
		}
		log.Debug("block finished", "index", i, "duration", d)
		if i < len(f.Blocks)-1 {
			if err := sleep(ctx, f.Gap); err != nil {
				return h.Stats(), err
			}
		}
	}
	if err := sleep(ctx, f.Linger); err != nil {
		return h.Stats(), err
	}

	st := h.Stats()
	log.Info("workload finished",
		"blocks", len(f.Blocks),
		"episodes", st.Episodes,
		"emitted", st.Report.Emitted,
		"suppressed_grace", st.Report.SuppressedGrace,
		"suppressed_debounce", st.Report.SuppressedDebounce)
	return st, nil
}

func newRecorder(dsn string, hc stallwatch.HistoryConfig, log *slog.Logger) (*history.Recorder, error) {
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	opts := []history.RecorderOption{
		history.WithQueueSize(hc.QueueSize),
		history.WithSendTimeout(hc.SendTimeout),
		history.WithLogger(log),
	}
	if s, err := metrics.NewSampler(); err == nil {
		opts = append(opts, history.WithSampler(s))
	} else {
		log.Debug("process sampler unavailable", "error", err)
	}
	return history.NewRecorder(sink, opts...), nil
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func waitArmed(ctx context.Context, h *stallwatch.Handle) {
	deadline := time.Now().Add(armTimeout)
	for h.Stats().Generation == 0 && time.Now().Before(deadline) {
		if sleep(ctx, 5*time.Millisecond) != nil {
			return
		}
	}
}

// burn keeps the calling goroutine busy without yielding to the loop.
//
//go:noinline
func burn(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ingest stores every report line read from in. Non-report lines are
// skipped; a malformed report line is logged and skipped.
func ingest(ctx context.Context, f IngestFlags, in io.Reader) (n int, err error) {
	sink, err := factory.NewSinkFromDSN(f.DSN)
	if err != nil {
		return 0, fmt.Errorf("history sink: %w", err)
	}
	if c, ok := sink.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = history.DefaultSendTimeout
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if !report.IsLine(sc.Bytes()) {
			continue
		}
		rep, perr := report.Parse(sc.Bytes())
		if perr != nil {
			slog.Debug("skipping malformed report", "line", line, "error", perr)
			continue
		}
		ev := history.Event{OccurredAt: occurredAt(rep), Host: f.Host, PID: f.PID, Report: rep}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		serr := sink.Send(sctx, ev)
		cancel()
		if serr != nil {
			return n, fmt.Errorf("send line %d: %w", line, serr)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read input: %w", err)
	}
	return n, nil
}

func occurredAt(r report.Report) time.Time {
	if t, err := time.Parse(time.RFC3339, r.NoticeTime); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

type configView struct {
	Watchdog    map[string]any           `json:"watchdog"`
	HeartbeatMs int64                    `json:"heartbeat_ms"`
	Log         any                      `json:"log"`
	Metrics     stallwatch.MetricsConfig `json:"metrics"`
	Server      stallwatch.ServerConfig  `json:"server"`
	History     stallwatch.HistoryConfig `json:"history"`
}

func printConfig(path string, w io.Writer) error {
	fc, err := stallwatch.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	v := configView{
		Watchdog:    fc.Watchdog.Settings(),
		HeartbeatMs: fc.Watchdog.HeartbeatInterval().Milliseconds(),
		Log:         fc.Log,
		Metrics:     fc.Metrics,
		Server:      fc.Server,
		History:     fc.History,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
