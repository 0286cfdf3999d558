package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Report output targets.
const (
	TargetStderr = "stderr"
	TargetStdout = "stdout"
	TargetFile   = "file"
)

var ErrNoReportFile = errors.New("logger: file target requires a path")

// SlogConfig configures the diagnostic logger.
type SlogConfig struct {
	Level      Level  `toml:"level" mapstructure:"level" json:"level"`
	Format     Format `toml:"format" mapstructure:"format" json:"format"`
	Color      bool   `toml:"color" mapstructure:"color" json:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps" json:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source" json:"source"`
	// Path sends diagnostics to a rotating file instead of stderr.
	Path string `toml:"path" mapstructure:"path" json:"path,omitempty"`
}

// FileConfig holds lumberjack rotation parameters for file outputs.
type FileConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb" mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool `toml:"compress" mapstructure:"compress" json:"compress"`
}

// Config combines structured logging and file rotation settings.
type Config struct {
	Slog SlogConfig `toml:"slog" mapstructure:"slog" json:"slog"`
	File FileConfig `toml:"file" mapstructure:"file" json:"file"`
}

// Rotating returns a lumberjack writer for path using the rotation defaults.
func (f FileConfig) Rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewSlogger builds the diagnostic logger. Output goes to stderr unless
// Slog.Path is set.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.Slog.Path != "" {
		w = c.File.Rotating(c.Slog.Path)
	}
	return c.Slog.New(w)
}

// New builds a logger writing to w.
func (s SlogConfig) New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.Level.slog(), AddSource: s.Source}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case s.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case s.Color:
		h = NewColorTextHandler(w, opts, s.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func (l Level) slog() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ReportWriter returns the stream reports are written to. The returned closer
// is nil for the standard streams.
func (c Config) ReportWriter(target, path string) (io.Writer, io.Closer, error) {
	switch target {
	case TargetStdout:
		return os.Stdout, nil, nil
	case TargetFile:
		if path == "" {
			return nil, nil, ErrNoReportFile
		}
		lw := c.File.Rotating(path)
		return lw, lw, nil
	default:
		return os.Stderr, nil, nil
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
