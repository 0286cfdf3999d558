package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestReportWriter_StandardStreams(t *testing.T) {
	var cfg Config
	w, c, err := cfg.ReportWriter(TargetStdout, "")
	if err != nil || w != os.Stdout || c != nil {
		t.Fatalf("stdout target: w=%v c=%v err=%v", w, c, err)
	}
	w, c, err = cfg.ReportWriter("", "")
	if err != nil || w != os.Stderr || c != nil {
		t.Fatalf("default target should be stderr: w=%v c=%v err=%v", w, c, err)
	}
	if _, _, err := cfg.ReportWriter(TargetFile, ""); err != ErrNoReportFile {
		t.Fatalf("expected ErrNoReportFile, got %v", err)
	}
}

func TestReportWriter_FileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.log")
	w, c, err := Config{}.ReportWriter(TargetFile, path)
	if err != nil {
		t.Fatalf("file target: %v", err)
	}
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_, _ = w.Write([]byte("{\"name\":\"dump-stacks\"}\n"))
	_ = c.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("report file not created: %v", err)
	}
}

func TestRotating_Overrides(t *testing.T) {
	f := FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	l := f.Rotating("x")
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestSlogConfig_Formats(t *testing.T) {
	var buf bytes.Buffer
	SlogConfig{Level: LevelInfo, Format: FormatJSON}.New(&buf).Info("hello", "k", 1)
	out := buf.String()
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("json output: %q", out)
	}
	if strings.Contains(out, `"time"`) {
		t.Fatalf("timestamps disabled but present: %q", out)
	}

	buf.Reset()
	SlogConfig{Level: LevelWarn, TimeStamps: true}.New(&buf).Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}

	buf.Reset()
	SlogConfig{Level: LevelDebug, Color: true}.New(&buf).With("component", "watchdog").Debug("colored")
	out = buf.String()
	if !strings.Contains(out, `\x1b[36mDEBUG`) || !strings.Contains(out, "component=watchdog") {
		t.Fatalf("color output: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be omitted: %q", out)
	}
}

func TestNewSlogger_FilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.log")
	cfg := Config{Slog: SlogConfig{Path: path}}
	cfg.NewSlogger().Warn("sink failed")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), "sink failed") {
		t.Fatalf("log file content: %q", b)
	}
}
