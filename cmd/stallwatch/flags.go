package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags drive the synthetic blocking workload.
type RunFlags struct {
	Blocks []time.Duration
	Gap    time.Duration
	// Linger keeps the watchdog alive after the last block so the final
	// episode closes and a deferred report can flush.
	Linger time.Duration

	APIListen     string
	MetricsListen string
	HistoryDSN    string
	Gops          bool
}

type IngestFlags struct {
	DSN     string
	File    string
	Host    string
	PID     int
	Timeout time.Duration
}
