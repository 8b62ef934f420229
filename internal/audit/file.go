package audit

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/agentmemory/internal/filelock"
)

// FileRecorder appends one slog text line per event to a file, under that
// file's own exclusive lock.
type FileRecorder struct {
	path     string
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	failures atomic.Int64
}

// FileOption configures a FileRecorder.
type FileOption func(*FileRecorder)

func WithClock(now func() time.Time) FileOption {
	return func(r *FileRecorder) { r.now = now }
}

func WithIDGenerator(newID func() string) FileOption {
	return func(r *FileRecorder) { r.newID = newID }
}

// NewFileRecorder writes to path. Failures are reported on logger.
func NewFileRecorder(path string, logger *slog.Logger, opts ...FileOption) *FileRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRecorder{
		path:   path,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *FileRecorder) Path() string { return r.path }

// Failures counts events that could not be written.
func (r *FileRecorder) Failures() int64 { return r.failures.Load() }

func (r *FileRecorder) Record(ctx context.Context, kind Kind, actor, detail string) {
	ev := Event{
		ID:     r.newID(),
		Time:   r.now().UTC(),
		Kind:   kind,
		Actor:  actorOrUnknown(actor),
		Detail: detail,
	}
	line, err := FormatLine(ctx, ev)
	if err == nil {
		err = r.write(ctx, line)
	}
	if err != nil {
		r.failures.Add(1)
		r.logger.Warn("audit write failed",
			"path", r.path,
			"kind", string(kind),
			"actor", ev.Actor,
			"error", err,
		)
	}
}

func (r *FileRecorder) write(ctx context.Context, line []byte) error {
	unlock, err := filelock.Exclusive(ctx, r.path)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// FormatLine renders ev as a single slog text line ending in a newline:
//
//	time=2026-01-02T03:04:05Z level=WARN kind=auth_failure actor=10.0.0.1 id=... detail="..."
func FormatLine(ctx context.Context, ev Event) ([]byte, error) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.MessageKey:
				a.Key = "kind"
			}
			return a
		},
	})
	rec := slog.NewRecord(ev.Time, ev.Kind.Level(), string(ev.Kind), 0)
	rec.AddAttrs(
		slog.String("actor", ev.Actor),
		slog.String("id", ev.ID),
		slog.String("detail", ev.Detail),
	)
	if err := h.Handle(ctx, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
