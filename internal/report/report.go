package report

import (
	"bytes"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/loykin/stallwatch/internal/episode"
)

// Name identifies report lines in a mixed output stream.
const Name = "dump-stacks"

// Prefix is the literal start of every serialized report.
const Prefix = `{"name":"dump-stacks"`

const Message = "event loop blocked"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNotReport = errors.New("report: line is not a dump-stacks report")
	errPanicked  = errors.New("report: writer panicked")
)

// Report is one emitted line. Field order is part of the wire format: name must
// stay first so consumers can match Prefix.
type Report struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	BlockedMs  int64  `json:"blockedMs"`
	NoticeTime string `json:"noticeTime"`
	Event      string `json:"event"`
	Episode    uint64 `json:"episode"`
	Stack      string `json:"stack"`
}

// FromEvent builds the report for an episode event.
func FromEvent(ev episode.Event) Report {
	blocked := ev.Episode.Blocked.Milliseconds()
	if blocked < 0 {
		blocked = 0
	}
	return Report{
		Name:       Name,
		Message:    Message,
		BlockedMs:  blocked,
		NoticeTime: ev.Episode.NoticedWall.UTC().Format(time.RFC3339),
		Event:      ev.Kind.String(),
		Episode:    ev.Episode.Seq,
		Stack:      ev.Episode.Stack,
	}
}

// Marshal encodes r as a single newline-terminated line.
func Marshal(r Report) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// IsLine reports whether line looks like a serialized report.
func IsLine(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(line), []byte(Prefix))
}

// Parse decodes one line of output. Lines that do not start with Prefix
// return ErrNotReport.
func Parse(line []byte) (Report, error) {
	if !IsLine(line) {
		return Report{}, ErrNotReport
	}
	line = bytes.TrimSpace(line)
	var r Report
	if err := json.Unmarshal(line, &r); err != nil {
		return Report{}, err
	}
	return r, nil
}
