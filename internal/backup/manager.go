// Package backup snapshots the memory log to off-host stores and prunes
// snapshots past their retention window.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPrefix        = "AGENTS_backup_"
	DefaultRetentionDays = 30
	DefaultTimeout       = 30 * time.Second

	nameLayout = "2006-01-02_15-04-05.000"
)

// Source supplies the bytes to snapshot.
type Source interface {
	Read(ctx context.Context) (string, error)
}

// SnapshotRef describes one stored snapshot.
type SnapshotRef struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Target    string    `json:"target" yaml:"target"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Size      int64     `json:"size" yaml:"size"`
}

// Stats summarises the snapshots on one target.
type Stats struct {
	Target        string     `json:"target" yaml:"target"`
	Count         int        `json:"count" yaml:"count"`
	TotalBytes    int64      `json:"total_bytes" yaml:"total_bytes"`
	Oldest        *time.Time `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty" yaml:"newest,omitempty"`
	RetentionDays int        `json:"retention_days" yaml:"retention_days"`
}

// DeleteFailure is one snapshot cleanup could not remove.
type DeleteFailure struct {
	Snapshot SnapshotRef `json:"snapshot" yaml:"snapshot"`
	Error    string      `json:"error" yaml:"error"`
}

// CleanupReport lists what one cleanup pass removed and what it could not.
type CleanupReport struct {
	Target  string          `json:"target" yaml:"target"`
	Cutoff  time.Time       `json:"cutoff" yaml:"cutoff"`
	Removed int             `json:"removed" yaml:"removed"`
	Deleted []SnapshotRef   `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Failed  []DeleteFailure `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Options tune a Manager. Zero values take the package defaults.
type Options struct {
	Prefix        string
	RetentionDays int
	Timeout       time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Manager snapshots one Source into one RemoteStore.
type Manager struct {
	source  Source
	store   RemoteStore
	prefix  string
	days    int
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	running sync.Mutex
}

func NewManager(source Source, store RemoteStore, opts Options) *Manager {
	m := &Manager{
		source:  source,
		store:   store,
		prefix:  opts.Prefix,
		days:    opts.RetentionDays,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if m.prefix == "" {
		m.prefix = DefaultPrefix
	}
	if m.days <= 0 {
		m.days = DefaultRetentionDays
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("target", store.Name())
	return m
}

// Target names the store this manager writes to.
func (m *Manager) Target() string { return m.store.Name() }

// RetentionDays is the age past which CleanupExpired removes snapshots.
func (m *Manager) RetentionDays() int { return m.days }

// SnapshotName builds a unique snapshot file name for t.
func SnapshotName(prefix string, t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s_%s.md", prefix, t.UTC().Format(nameLayout), suffix)
}

// CreateSnapshot uploads the current log content as a new snapshot.
func (m *Manager) CreateSnapshot(ctx context.Context) (SnapshotRef, error) {
	if !m.running.TryLock() {
		return SnapshotRef{}, ErrBusy
	}
	defer m.running.Unlock()

	content, err := m.source.Read(ctx)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("backup: read source: %w", err)
	}

	created := m.now().UTC()
	name := SnapshotName(m.prefix, created)
	body := []byte(content)

	uctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	id, err := m.store.Upload(uctx, name, body)
	if err != nil {
		m.logger.Error("snapshot upload failed", "name", name, "error", err)
		return SnapshotRef{}, &Error{Op: OpUpload, Target: m.store.Name(), Err: err}
	}

	ref := SnapshotRef{
		ID:        id,
		Name:      name,
		Target:    m.store.Name(),
		CreatedAt: created,
		Size:      int64(len(body)),
	}
	m.logger.Info("snapshot created", "id", id, "name", name, "size", ref.Size)
	return ref, nil
}

// ListSnapshots returns this manager's snapshots, newest first. Objects
// without the snapshot prefix are ignored.
func (m *Manager) ListSnapshots(ctx context.Context) ([]SnapshotRef, error) {
	lctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	objects, err := m.store.List(lctx)
	if err != nil {
		return nil, &Error{Op: OpList, Target: m.store.Name(), Err: err}
	}

	refs := make([]SnapshotRef, 0, len(objects))
	for _, o := range objects {
		if !strings.HasPrefix(o.Name, m.prefix) {
			continue
		}
		refs = append(refs, SnapshotRef{
			ID:        o.ID,
			Name:      o.Name,
			Target:    m.store.Name(),
			CreatedAt: o.CreatedAt.UTC(),
			Size:      o.Size,
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].Name > refs[j].Name
		}
		return refs[i].CreatedAt.After(refs[j].CreatedAt)
	})
	return refs, nil
}

// CleanupExpired deletes snapshots created strictly before now minus the
// retention window. Individual delete failures are collected in the report;
// an error is returned only when listing fails or every attempted delete
// fails.
func (m *Manager) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	if !m.running.TryLock() {
		return CleanupReport{}, ErrBusy
	}
	defer m.running.Unlock()

	report := CleanupReport{
		Target: m.store.Name(),
		Cutoff: m.now().UTC().Add(-time.Duration(m.days) * 24 * time.Hour),
	}
	refs, err := m.ListSnapshots(ctx)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, ref := range refs {
		if !ref.CreatedAt.Before(report.Cutoff) {
			continue
		}
		if err := m.delete(ctx, ref.ID); err != nil {
			m.logger.Warn("snapshot delete failed", "id", ref.ID, "name", ref.Name, "error", err)
			report.Failed = append(report.Failed, DeleteFailure{Snapshot: ref, Error: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", ref.Name, err))
			continue
		}
		report.Deleted = append(report.Deleted, ref)
		report.Removed++
	}

	if report.Removed == 0 && len(errs) > 0 {
		return report, &Error{Op: OpDelete, Target: m.store.Name(), Err: errors.Join(errs...)}
	}
	m.logger.Info("snapshot cleanup finished",
		"removed", report.Removed,
		"failed", len(report.Failed),
		"cutoff", report.Cutoff.Format(time.RFC3339),
	)
	return report, nil
}

func (m *Manager) delete(ctx context.Context, id string) error {
	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.Delete(dctx, id)
}

// Stats counts the snapshots on the target.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	refs, err := m.ListSnapshots(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Target: m.store.Name(), Count: len(refs), RetentionDays: m.days}
	for _, r := range refs {
		st.TotalBytes += r.Size
	}
	if len(refs) > 0 {
		newest := refs[0].CreatedAt
		oldest := refs[len(refs)-1].CreatedAt
		st.Newest = &newest
		st.Oldest = &oldest
	}
	return st, nil
}
