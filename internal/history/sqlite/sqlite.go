package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/stallwatch/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS stall_history(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		host TEXT NOT NULL,
		pid INTEGER NOT NULL,
		event TEXT NOT NULL,
		episode INTEGER NOT NULL,
		blocked_ms INTEGER NOT NULL,
		notice_time TEXT NOT NULL,
		stack TEXT,
		cpu_percent REAL,
		memory_rss INTEGER
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rep := e.Report
	var cpu sql.NullFloat64
	var rss sql.NullInt64
	if e.Process != nil {
		cpu = sql.NullFloat64{Float64: e.Process.CPUPercent, Valid: true}
		rss = sql.NullInt64{Int64: int64(e.Process.MemoryRSS), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stall_history(timestamp, host, pid, event, episode, blocked_ms, notice_time, stack, cpu_percent, memory_rss)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.Host, e.PID, rep.Event, int64(rep.Episode), rep.BlockedMs, rep.NoticeTime, rep.Stack, cpu, rss)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
