// Package memlog owns the shared agent memory file: a single UTF-8 markdown
// file that only ever grows.
//
// Every append takes the exclusive file lock, renders the entry with its
// timestamp and hands it to the kernel in one write call, so concurrent
// appends never interleave. A crash during that write may still leave a torn
// tail on storage that does not honour single-call writes; that is an accepted
// limitation, not something this package guards against.
package memlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/yourorg/agentmemory/internal/filelock"
)

// DefaultMaxEntrySize is used when New receives a non-positive limit.
const DefaultMaxEntrySize = 10000

// Header is written when Init finds no memory file.
const Header = "# Agent Memory\n\n"

// Log is the append-only memory file. It is safe for concurrent use, and
// several processes may share one file.
type Log struct {
	path    string
	maxSize int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used for operational messages.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New returns a Log over the file at path. The file is not touched until the
// first Init, Read or Append. A non-positive maxEntrySize means
// DefaultMaxEntrySize.
func New(path string, maxEntrySize int, opts ...Option) *Log {
	if maxEntrySize <= 0 {
		maxEntrySize = DefaultMaxEntrySize
	}
	l := &Log{
		path:    path,
		maxSize: maxEntrySize,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Path is the memory file location.
func (l *Log) Path() string { return l.path }

// MaxEntrySize is the largest entry Append accepts, in bytes.
func (l *Log) MaxEntrySize() int { return l.maxSize }

// Ack acknowledges a stored entry.
type Ack struct {
	Timestamp time.Time `json:"timestamp"`
	Bytes     int       `json:"bytes"`
}

// FileStats describes the memory file on disk.
type FileStats struct {
	Exists    bool       `json:"exists"`
	SizeBytes int64      `json:"size_bytes"`
	LineCount int        `json:"line_count"`
	Modified  *time.Time `json:"modified"`
}

// Read returns the whole memory file. A missing file reads as empty.
func (l *Log) Read(ctx context.Context) (string, error) {
	unlock, err := filelock.Shared(ctx, l.path)
	if err != nil {
		return "", &IOError{Op: "lock", Path: l.path, Err: err}
	}
	defer unlock()

	b, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &IOError{Op: "read", Path: l.path, Err: err}
	}
	return string(b), nil
}

// Append validates entry, stamps it and adds it to the end of the file.
func (l *Log) Append(ctx context.Context, entry string) (Ack, error) {
	if len(entry) > l.maxSize {
		return Ack{}, &ValidationError{Reason: TooLarge, Size: len(entry), Limit: l.maxSize}
	}
	text := strings.TrimSpace(entry)
	if text == "" {
		return Ack{}, &ValidationError{Reason: Empty, Size: len(entry), Limit: l.maxSize}
	}

	unlock, err := filelock.Exclusive(ctx, l.path)
	if err != nil {
		return Ack{}, &IOError{Op: "lock", Path: l.path, Err: err}
	}
	defer unlock()

	ts := l.now().UTC().Truncate(time.Second)
	block := []byte(FormatEntry(ts, text))
	if err := appendOnce(l.path, block); err != nil {
		return Ack{}, &IOError{Op: "append", Path: l.path, Err: err}
	}
	l.logger.Info("memory entry appended", "bytes", len(entry))
	return Ack{Timestamp: ts, Bytes: len(block)}, nil
}

// Init creates the memory file with its header when it does not exist yet.
// It reports whether the file was created.
func (l *Log) Init(ctx context.Context) (bool, error) {
	unlock, err := filelock.Exclusive(ctx, l.path)
	if err != nil {
		return false, &IOError{Op: "lock", Path: l.path, Err: err}
	}
	defer unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, &IOError{Op: "init", Path: l.path, Err: err}
	}
	defer f.Close()

	header := fmt.Sprintf("%s- System initialized on %s\n", Header, l.now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(header); err != nil {
		return false, &IOError{Op: "init", Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return false, &IOError{Op: "init", Path: l.path, Err: err}
	}
	l.logger.Info("created memory file", "path", l.path)
	return true, nil
}

// Stats reports size, line count and modification time of the memory file.
func (l *Log) Stats(ctx context.Context) (FileStats, error) {
	unlock, err := filelock.Shared(ctx, l.path)
	if err != nil {
		return FileStats{}, &IOError{Op: "lock", Path: l.path, Err: err}
	}
	defer unlock()

	info, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return FileStats{}, nil
	}
	if err != nil {
		return FileStats{}, &IOError{Op: "stat", Path: l.path, Err: err}
	}
	b, err := os.ReadFile(l.path)
	if err != nil {
		return FileStats{}, &IOError{Op: "read", Path: l.path, Err: err}
	}
	modified := info.ModTime().UTC()
	return FileStats{
		Exists:    true,
		SizeBytes: info.Size(),
		LineCount: countLines(b),
		Modified:  &modified,
	}, nil
}

// FormatEntry renders one entry: a blank separator line followed by a single
// timestamped list item holding text.
func FormatEntry(ts time.Time, text string) string {
	return fmt.Sprintf("\n- [%s] %s\n", ts.UTC().Format(time.RFC3339), text)
}

func appendOnce(path string, block []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(block); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte{'\n'})
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}
