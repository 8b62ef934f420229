// Package audit records security-relevant and write events to their own
// append-only file.
//
// Recording is best-effort telemetry. A failed audit write is logged and
// counted but never reaches the caller, so it cannot block or roll back the
// memory write it describes.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

// Kind names an audit event.
type Kind string

const (
	WriteSuccess           Kind = "write_success"
	WriteRejectedOversized Kind = "write_rejected_oversized"
	WriteRejectedEmpty     Kind = "write_rejected_empty"
	WriteFailed            Kind = "write_failed"
	AuthFailure            Kind = "auth_failure"
	RateLimited            Kind = "rate_limited"
	HostRejected           Kind = "host_rejected"
	Request                Kind = "request"
	BackupCreated          Kind = "backup_created"
	BackupFailed           Kind = "backup_failed"
	BackupCleanup          Kind = "backup_cleanup"
)

// UnknownActor stands in for callers without an identity.
const UnknownActor = "unknown"

// PreviewLimit is the number of characters of entry text kept in a detail.
const PreviewLimit = 100

// Level maps a kind to the severity written with it.
func (k Kind) Level() slog.Level {
	switch k {
	case WriteFailed, BackupFailed:
		return slog.LevelError
	case WriteRejectedOversized, WriteRejectedEmpty, AuthFailure, RateLimited, HostRejected:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Recorder appends audit events. Implementations must be safe for concurrent
// use and must not return or panic on storage failure.
type Recorder interface {
	Record(ctx context.Context, kind Kind, actor, detail string)
}

// Event is one recorded audit entry.
type Event struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	Actor  string    `json:"actor"`
	Detail string    `json:"detail"`
}

// Preview shortens s to PreviewLimit characters, marking the cut with "...".
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLimit]) + "..."
}

func actorOrUnknown(actor string) string {
	if actor == "" {
		return UnknownActor
	}
	return actor
}

// MemoryRecorder keeps events in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, kind Kind, actor, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Time:   time.Now().UTC(),
		Kind:   kind,
		Actor:  actorOrUnknown(actor),
		Detail: detail,
	})
}

// Events returns a copy of everything recorded so far.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByKind returns the recorded events of one kind.
func (m *MemoryRecorder) ByKind(kind Kind) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Kind, string, string) {}
