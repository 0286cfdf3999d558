package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loykin/stallwatch/internal/stack"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		if err := <-errCh; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	return l
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestPostRunsInOrderOnLoopGoroutine(t *testing.T) {
	l := startLoop(t)
	waitFor(t, time.Second, func() bool { return l.GoroutineID() != 0 })

	var order []int
	var ids []uint64
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		if err := l.Post(func() {
			order = append(order, i)
			ids = append(ids, stack.CurrentGoroutineID())
			if i == 4 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	<-done
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	for _, id := range ids {
		if id != l.GoroutineID() {
			t.Fatalf("task ran on goroutine %d, loop goroutine is %d", id, l.GoroutineID())
		}
	}
}

func TestRunTwiceAndPostAfterStop(t *testing.T) {
	l := New()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	waitFor(t, time.Second, func() bool { return l.GoroutineID() != 0 })
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("second run err = %v", err)
	}
	l.Stop()
	<-l.Done()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("post after stop err = %v", err)
	}
	if _, err := l.Every(time.Millisecond, func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("every after stop err = %v", err)
	}
	if l.GoroutineID() != 0 {
		t.Fatalf("goroutine id should reset after run returns")
	}
}

func TestRunHonorsContext(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestEveryRepeatsAndStops(t *testing.T) {
	l := startLoop(t)
	var n atomic.Int32
	stop, err := l.Every(2*time.Millisecond, func() { n.Add(1) })
	if err != nil {
		t.Fatalf("every: %v", err)
	}
	waitFor(t, time.Second, func() bool { return n.Load() >= 3 })
	stop()
	time.Sleep(10 * time.Millisecond)
	got := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != got {
		t.Fatalf("ticks continued after stop: %d -> %d", got, n.Load())
	}
	if _, err := l.Every(0, func() {}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestEveryDoesNotPileUpWhileBlocked(t *testing.T) {
	l := startLoop(t)
	var n atomic.Int32
	stop, err := l.Every(time.Millisecond, func() { n.Add(1) })
	if err != nil {
		t.Fatalf("every: %v", err)
	}
	defer stop()
	blocked := make(chan struct{})
	if err := l.Post(func() {
		before := n.Load()
		time.Sleep(50 * time.Millisecond)
		if n.Load() != before {
			t.Errorf("timer ran while loop was blocked")
		}
		close(blocked)
	}); err != nil {
		t.Fatalf("post: %v", err)
	}
	<-blocked
	at := n.Load()
	time.Sleep(5 * time.Millisecond)
	if burst := n.Load() - at; burst > 5 {
		t.Fatalf("timer fired %d times right after the block", burst)
	}
}

func TestPanickingTaskDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)
	if err := l.Post(func() { panic("boom") }); err != nil {
		t.Fatalf("post: %v", err)
	}
	done := make(chan struct{})
	if err := l.Post(func() { close(done) }); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop stopped after panic")
	}
}

func TestAfterAndCancel(t *testing.T) {
	l := startLoop(t)
	fired := make(chan struct{})
	l.After(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("after did not fire")
	}
	var ran atomic.Bool
	cancel := l.After(50*time.Millisecond, func() { ran.Store(true) })
	cancel()
	time.Sleep(80 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("cancelled task ran")
	}
	if l.Pending() != 0 {
		t.Fatalf("pending = %d", l.Pending())
	}
}
