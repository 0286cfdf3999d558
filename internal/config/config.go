package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/loykin/stallwatch/internal/logger"
)

// EnvPrefix is prepended to every watchdog key when read from the environment,
// e.g. DUMP_STACKS_OBSERVE_MS.
const EnvPrefix = "DUMP_STACKS"

const (
	KeyEnabled            = "enabled"
	KeyObserveMs          = "observe_ms"
	KeyCheckMs            = "check_ms"
	KeyReportOnceMs       = "report_once_ms"
	KeyIgnoreInitialSpins = "ignore_initial_spins"
	KeyStdoutOutput       = "stdout_output"
	KeyOutputFile         = "output_file"
	KeyCaptureTimeoutMs   = "capture_timeout_ms"
)

// Watchdog is the resolved tuning of one watchdog. It is built once and not
// changed afterwards.
type Watchdog struct {
	Enabled            bool
	ObserveInterval    time.Duration
	CheckInterval      time.Duration
	ReportOnce         time.Duration
	IgnoreInitialSpins int
	CaptureTimeout     time.Duration
	// Output is one of logger.TargetStderr, TargetStdout or TargetFile.
	Output     string
	OutputFile string
}

func Defaults() Watchdog {
	return Watchdog{
		Enabled:            true,
		ObserveInterval:    100 * time.Millisecond,
		CheckInterval:      100 * time.Millisecond,
		ReportOnce:         time.Second,
		IgnoreInitialSpins: 1,
		CaptureTimeout:     100 * time.Millisecond,
		Output:             logger.TargetStderr,
	}
}

// HeartbeatInterval is the beacon period. Beating at half the observe
// interval keeps a healthy loop's heartbeat age under the stall threshold.
func (w Watchdog) HeartbeatInterval() time.Duration {
	d := w.ObserveInterval / 2
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Settings returns the configuration keyed like the environment variables,
// with durations in milliseconds.
func (w Watchdog) Settings() map[string]any {
	return map[string]any{
		KeyEnabled:            w.Enabled,
		KeyObserveMs:          w.ObserveInterval.Milliseconds(),
		KeyCheckMs:            w.CheckInterval.Milliseconds(),
		KeyReportOnceMs:       w.ReportOnce.Milliseconds(),
		KeyIgnoreInitialSpins: w.IgnoreInitialSpins,
		KeyCaptureTimeoutMs:   w.CaptureTimeout.Milliseconds(),
		"output":              w.Output,
		KeyOutputFile:         w.OutputFile,
	}
}

// layer looks up a raw value for key in one configuration source.
type layer func(key string) (any, bool)

func envLayer() layer {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return func(key string) (any, bool) {
		if !v.IsSet(key) {
			return nil, false
		}
		return v.Get(key), true
	}
}

func viperLayer(v *viper.Viper, section string) layer {
	return func(key string) (any, bool) {
		k := section + "." + key
		if !v.IsSet(k) {
			return nil, false
		}
		return v.Get(k), true
	}
}

// FromEnv resolves the watchdog configuration from defaults and the
// DUMP_STACKS_* environment.
func FromEnv() Watchdog {
	return resolve(Defaults(), envLayer())
}

// resolve applies layers in order. A value that cannot be coerced or is out
// of range leaves the previous value in place.
func resolve(w Watchdog, layers ...layer) Watchdog {
	for _, get := range layers {
		if raw, ok := get(KeyEnabled); ok {
			if b, err := toBool(raw); err == nil {
				w.Enabled = b
			}
		}
		w.ObserveInterval = millis(get, KeyObserveMs, w.ObserveInterval)
		w.CheckInterval = millis(get, KeyCheckMs, w.CheckInterval)
		w.ReportOnce = millis(get, KeyReportOnceMs, w.ReportOnce)
		w.CaptureTimeout = millis(get, KeyCaptureTimeoutMs, w.CaptureTimeout)
		if raw, ok := get(KeyIgnoreInitialSpins); ok {
			if n, err := toInt64(raw); err == nil && n >= 0 {
				w.IgnoreInitialSpins = int(n)
			}
		}
		if raw, ok := get(KeyStdoutOutput); ok {
			if b, err := toBool(raw); err == nil {
				if b {
					w.Output = logger.TargetStdout
				} else {
					w.Output = logger.TargetStderr
				}
			}
		}
		if raw, ok := get(KeyOutputFile); ok {
			if p := strings.TrimSpace(cast.ToString(raw)); p != "" {
				w.OutputFile = filepath.Clean(p)
				w.Output = logger.TargetFile
			}
		}
	}
	return w
}

const maxMillis = int64(math.MaxInt64 / int64(time.Millisecond))

func millis(get layer, key string, fallback time.Duration) time.Duration {
	raw, ok := get(key)
	if !ok {
		return fallback
	}
	n, err := toInt64(raw)
	if err != nil || n <= 0 || n > maxMillis {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func toInt64(raw any) (int64, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		// leading zeros are decimal, not octal
		if t := strings.TrimLeft(s, "0"); t != s {
			if t == "" {
				t = "0"
			}
			s = t
		}
		raw = s
	}
	return cast.ToInt64E(raw)
}

func toBool(raw any) (bool, error) {
	s, ok := raw.(string)
	if !ok {
		return cast.ToBoolE(raw)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "yes", "on", "y":
		return true, nil
	case "no", "off", "n":
		return false, nil
	}
	return cast.ToBoolE(s)
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen" json:"listen"`
}

// ServerConfig enables the status API.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen" json:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path" json:"base_path"`
}

// HistoryConfig selects a durable sink for emitted reports.
type HistoryConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	DSN         string        `toml:"dsn" mapstructure:"dsn" json:"dsn"`
	QueueSize   int           `toml:"queue_size" mapstructure:"queue_size" json:"queue_size"`
	SendTimeout time.Duration `toml:"send_timeout" mapstructure:"send_timeout" json:"send_timeout"`
}

// File is the full CLI configuration.
//
//	[watchdog]
//	observe_ms = 10
//	check_ms = 10
//	[log.slog]
//	level = "debug"
//	[metrics]
//	enabled = true
//	listen = ":9090"
//	[server]
//	enabled = true
//	listen = ":8080"
//	base_path = "/api"
//	[history]
//	enabled = true
//	dsn = "sqlite:///var/lib/stallwatch/history.db"
type File struct {
	Watchdog Watchdog
	Log      logger.Config
	Metrics  MetricsConfig
	Server   ServerConfig
	History  HistoryConfig
}

// Load reads a TOML file and resolves defaults < file < environment. An
// empty path skips the file. Unlike tuning values, an unreadable or
// malformed file is an error.
func Load(path string) (*File, error) {
	fc := &File{
		Log: logger.Config{Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true}},
		Server: ServerConfig{
			Listen:   ":8080",
			BasePath: "/api",
		},
		Metrics: MetricsConfig{Listen: ":9090"},
	}
	if path == "" {
		fc.Watchdog = FromEnv()
		return fc, nil
	}

	v := viper.New()
	v.SetConfigFile(filepath.Clean(path))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	for key, dst := range map[string]any{
		"log":     &fc.Log,
		"metrics": &fc.Metrics,
		"server":  &fc.Server,
		"history": &fc.History,
	} {
		if !v.IsSet(key) {
			continue
		}
		if err := v.UnmarshalKey(key, dst); err != nil {
			return nil, fmt.Errorf("decode [%s]: %w", key, err)
		}
	}
	fc.Watchdog = resolve(Defaults(), viperLayer(v, "watchdog"), envLayer())
	return fc, nil
}
