package stack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"
)

// Unavailable is the stack value reported when no snapshot could be taken.
const Unavailable = ""

var (
	ErrNoTarget    = errors.New("stack: no target goroutine")
	ErrNotFound    = errors.New("stack: target goroutine not found")
	ErrTimeout     = errors.New("stack: capture timed out")
	ErrEmpty       = errors.New("stack: capture returned no trace")
	ErrUnsupported = errors.New("stack: capture not supported")
)

// Capturer produces a textual call stack of the monitored context.
// Implementations should honor ctx, but callers must not rely on it: use
// Snapshot to get a hard upper bound on the time spent.
type Capturer interface {
	Capture(ctx context.Context) (string, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) (string, error)

func (f CapturerFunc) Capture(ctx context.Context) (string, error) { return f(ctx) }

// Nop never captures anything; it is used on platforms or setups where the
// monitored context cannot be inspected.
type Nop struct{}

func (Nop) Capture(context.Context) (string, error) { return Unavailable, ErrUnsupported }

// DefaultMaxBytes bounds the all-goroutine dump taken by Goroutine.
const DefaultMaxBytes = 8 << 20

// Goroutine captures the stack of a single goroutine identified by ID.
// The Go runtime briefly stops the world to collect the dump, which is the
// closest equivalent of interrupting the monitored context: the target is
// paused at a safe point and resumes unchanged.
type Goroutine struct {
	ID       func() uint64
	MaxBytes int
}

func (g Goroutine) Capture(ctx context.Context) (string, error) {
	if g.ID == nil {
		return Unavailable, ErrNoTarget
	}
	id := g.ID()
	if id == 0 {
		return Unavailable, ErrNoTarget
	}
	limit := g.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= limit {
			buf = buf[:n]
			break
		}
		if err := ctx.Err(); err != nil {
			return Unavailable, err
		}
		buf = make([]byte, min(len(buf)*2, limit))
	}
	trace := Extract(buf, id)
	if trace == "" {
		return Unavailable, fmt.Errorf("%w: goroutine %d", ErrNotFound, id)
	}
	return trace, nil
}

// Extract returns the block for goroutine id from a runtime.Stack(all) dump.
func Extract(dump []byte, id uint64) string {
	header := []byte("goroutine " + strconv.FormatUint(id, 10) + " [")
	start := -1
	if bytes.HasPrefix(dump, header) {
		start = 0
	} else if i := bytes.Index(dump, append([]byte("\n"), header...)); i >= 0 {
		start = i + 1
	}
	if start < 0 {
		return ""
	}
	block := dump[start:]
	if end := bytes.Index(block, []byte("\n\n")); end >= 0 {
		block = block[:end]
	}
	return string(bytes.TrimRight(block, "\n"))
}

// CurrentGoroutineID returns the ID of the calling goroutine.
func CurrentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

type result struct {
	trace string
	err   error
}

// Snapshot runs c with a hard timeout. It always returns within timeout; on any
// failure the returned trace is Unavailable and err describes why.
func Snapshot(ctx context.Context, c Capturer, timeout time.Duration) (string, error) {
	if c == nil {
		return Unavailable, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("stack: capture panicked: %v", r)}
			}
		}()
		trace, err := c.Capture(ctx)
		ch <- result{trace: trace, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return Unavailable, r.err
		}
		if r.trace == "" {
			return Unavailable, ErrEmpty
		}
		return r.trace, nil
	case <-ctx.Done():
		return Unavailable, ErrTimeout
	}
}
