package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/stallwatch/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port, native protocol) and creates table if it
// does not exist.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(6),
		host String,
		pid UInt32,
		event LowCardinality(String),
		episode UInt64,
		blocked_ms Int64,
		notice_time String,
		stack String,
		cpu_percent Nullable(Float64),
		memory_rss Nullable(UInt64)
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, episode)`, s.table)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, host, pid, event, episode, blocked_ms, notice_time, stack, cpu_percent, memory_rss) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var cpu *float64
	var rss *uint64
	if e.Process != nil {
		cpu = &e.Process.CPUPercent
		rss = &e.Process.MemoryRSS
	}
	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		e.Host,
		uint32(e.PID),
		e.Report.Event,
		e.Report.Episode,
		e.Report.BlockedMs,
		e.Report.NoticeTime,
		e.Report.Stack,
		cpu,
		rss,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
