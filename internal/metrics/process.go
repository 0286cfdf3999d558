package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is a point-in-time resource reading of the current process.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler reads resource usage of the running process. CPU percent is computed
// since the previous call, so the first reading may be 0.
type Sampler struct {
	proc *process.Process
}

func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	return &Sampler{proc: p}, nil
}

func (s *Sampler) Sample() (ProcessSample, error) {
	out := ProcessSample{PID: s.proc.Pid, Timestamp: time.Now()}
	cpu, err := s.proc.Percent(0)
	if err == nil {
		out.CPUPercent = cpu
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return out, fmt.Errorf("failed to get memory info: %w", err)
	}
	out.MemoryRSS = mem.RSS
	if n, err := s.proc.NumThreads(); err == nil {
		out.NumThreads = n
	}
	return out, nil
}
