package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/stallwatch/internal/history"
	"github.com/loykin/stallwatch/internal/metrics"
	"github.com/loykin/stallwatch/internal/report"
)

func stallEvent(kind string, seq uint64, blocked int64) history.Event {
	return history.Event{
		OccurredAt: time.Now().UTC(),
		Host:       "test-host",
		PID:        4242,
		Report: report.Report{
			Name:       report.Name,
			Message:    report.Message,
			BlockedMs:  blocked,
			NoticeTime: time.Now().UTC().Format(time.RFC3339),
			Event:      kind,
			Episode:    seq,
			Stack:      "goroutine 1 [running]:\nmain.burnFor()",
		},
	}
}

func TestSQLiteSink_FileDatabase(t *testing.T) {
	dbPath := t.TempDir() + "/history.db"
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	if err := sink.Send(ctx, stallEvent("detected", 1, 120)); err != nil {
		t.Fatalf("Failed to send detected event: %v", err)
	}
	closed := stallEvent("closed", 1, 260)
	closed.Process = &metrics.ProcessSample{PID: 4242, CPUPercent: 99.5, MemoryRSS: 1 << 20}
	if err := sink.Send(ctx, closed); err != nil {
		t.Fatalf("Failed to send closed event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stall_history WHERE episode = 1").Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 rows, got %d", count)
	}

	var blocked int64
	var rss int64
	if err := sink.db.QueryRowContext(ctx,
		"SELECT blocked_ms, memory_rss FROM stall_history WHERE event = 'closed'").Scan(&blocked, &rss); err != nil {
		t.Fatalf("Failed to read closed row: %v", err)
	}
	if blocked != 260 || rss != 1<<20 {
		t.Fatalf("unexpected closed row: blocked=%d rss=%d", blocked, rss)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), stallEvent("blocked", 7, 1100)); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, stallEvent("detected", 1, 10)); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
