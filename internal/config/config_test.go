package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/stallwatch/internal/logger"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if !d.Enabled || d.ObserveInterval != 100*time.Millisecond || d.CheckInterval != 100*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if d.ReportOnce != time.Second || d.IgnoreInitialSpins != 1 || d.Output != logger.TargetStderr {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DUMP_STACKS_OBSERVE_MS", "10")
	t.Setenv("DUMP_STACKS_CHECK_MS", " 10 ")
	t.Setenv("DUMP_STACKS_REPORT_ONCE_MS", "100")
	t.Setenv("DUMP_STACKS_IGNORE_INITIAL_SPINS", "0")
	t.Setenv("DUMP_STACKS_STDOUT_OUTPUT", "1")
	t.Setenv("DUMP_STACKS_CAPTURE_TIMEOUT_MS", "050")

	w := FromEnv()
	if w.ObserveInterval != 10*time.Millisecond || w.CheckInterval != 10*time.Millisecond {
		t.Fatalf("intervals: %+v", w)
	}
	if w.ReportOnce != 100*time.Millisecond || w.IgnoreInitialSpins != 0 {
		t.Fatalf("throttle: %+v", w)
	}
	if w.Output != logger.TargetStdout {
		t.Fatalf("output = %q", w.Output)
	}
	if w.CaptureTimeout != 50*time.Millisecond {
		t.Fatalf("capture timeout = %v", w.CaptureTimeout)
	}
}

func TestFromEnv_InvalidFallsBackSilently(t *testing.T) {
	t.Setenv("DUMP_STACKS_OBSERVE_MS", "fast")
	t.Setenv("DUMP_STACKS_CHECK_MS", "-5")
	t.Setenv("DUMP_STACKS_REPORT_ONCE_MS", "0")
	t.Setenv("DUMP_STACKS_IGNORE_INITIAL_SPINS", "-1")
	t.Setenv("DUMP_STACKS_ENABLED", "maybe")
	t.Setenv("DUMP_STACKS_STDOUT_OUTPUT", "sure")

	if got, want := FromEnv(), Defaults(); got != want {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestFromEnv_EnabledFlag(t *testing.T) {
	for _, v := range []string{"false", "0", "off", "FALSE"} {
		t.Setenv("DUMP_STACKS_ENABLED", v)
		if FromEnv().Enabled {
			t.Fatalf("%q should disable", v)
		}
	}
	t.Setenv("DUMP_STACKS_ENABLED", "true")
	if !FromEnv().Enabled {
		t.Fatalf("true should enable")
	}
}

func TestFromEnv_OutputFile(t *testing.T) {
	t.Setenv("DUMP_STACKS_OUTPUT_FILE", "/tmp/../tmp/reports.log")
	w := FromEnv()
	if w.Output != logger.TargetFile || w.OutputFile != "/tmp/reports.log" {
		t.Fatalf("output file: %+v", w)
	}
}

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stallwatch.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoad_FileThenEnv(t *testing.T) {
	p := writeTOML(t, `
[watchdog]
observe_ms = 20
check_ms = 5
report_once_ms = "bogus"
ignore_initial_spins = 3

[log.slog]
level = "debug"
format = "json"

[metrics]
enabled = true
listen = ":9999"

[server]
enabled = true
base_path = "/stall"

[history]
enabled = true
dsn = "sqlite://:memory:"
queue_size = 16
send_timeout = "2s"
`)
	t.Setenv("DUMP_STACKS_CHECK_MS", "7")

	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := fc.Watchdog
	if w.ObserveInterval != 20*time.Millisecond {
		t.Fatalf("file value lost: %v", w.ObserveInterval)
	}
	if w.CheckInterval != 7*time.Millisecond {
		t.Fatalf("env should override file: %v", w.CheckInterval)
	}
	if w.ReportOnce != time.Second {
		t.Fatalf("invalid file value should keep default: %v", w.ReportOnce)
	}
	if w.IgnoreInitialSpins != 3 {
		t.Fatalf("spins = %d", w.IgnoreInitialSpins)
	}
	if fc.Log.Slog.Level != logger.LevelDebug || fc.Log.Slog.Format != logger.FormatJSON || !fc.Log.Slog.TimeStamps {
		t.Fatalf("log: %+v", fc.Log)
	}
	if !fc.Metrics.Enabled || fc.Metrics.Listen != ":9999" {
		t.Fatalf("metrics: %+v", fc.Metrics)
	}
	if !fc.Server.Enabled || fc.Server.BasePath != "/stall" || fc.Server.Listen != ":8080" {
		t.Fatalf("server: %+v", fc.Server)
	}
	if !fc.History.Enabled || fc.History.DSN != "sqlite://:memory:" || fc.History.QueueSize != 16 || fc.History.SendTimeout != 2*time.Second {
		t.Fatalf("history: %+v", fc.History)
	}
}

func TestLoad_EnvInvalidKeepsFileValue(t *testing.T) {
	p := writeTOML(t, "[watchdog]\nobserve_ms = 25\n")
	t.Setenv("DUMP_STACKS_OBSERVE_MS", "x")
	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.Watchdog.ObserveInterval != 25*time.Millisecond {
		t.Fatalf("observe = %v", fc.Watchdog.ObserveInterval)
	}
}

func TestLoad_NoPathUsesEnv(t *testing.T) {
	t.Setenv("DUMP_STACKS_OBSERVE_MS", "15")
	fc, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.Watchdog.ObserveInterval != 15*time.Millisecond || fc.Server.BasePath != "/api" {
		t.Fatalf("unexpected: %+v", fc)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeTOML(t, "[watchdog\nbroken")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSettings(t *testing.T) {
	s := Defaults().Settings()
	if s[KeyObserveMs] != int64(100) || s[KeyReportOnceMs] != int64(1000) || s["output"] != "stderr" {
		t.Fatalf("settings: %+v", s)
	}
}

func TestHeartbeatInterval(t *testing.T) {
	w := Defaults()
	if w.HeartbeatInterval() != 50*time.Millisecond {
		t.Fatalf("heartbeat = %v", w.HeartbeatInterval())
	}
	w.ObserveInterval = time.Millisecond
	if w.HeartbeatInterval() != time.Millisecond {
		t.Fatalf("heartbeat floor = %v", w.HeartbeatInterval())
	}
}
