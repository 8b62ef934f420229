package server

import (
	"fmt"
	"net/http"

	"github.com/yourorg/agentmemory/internal/audit"
	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/backup"
)

func (s *Server) resolveManager(w http.ResponseWriter, r *http.Request) (*backup.Manager, bool) {
	target := r.URL.Query().Get("target")
	m, ok := s.manager(target)
	if !ok {
		msg := "no backup target is configured"
		if target != "" {
			msg = fmt.Sprintf("unknown backup target %q", target)
		}
		writeError(w, r, http.StatusNotFound, "BACKUP_TARGET_NOT_FOUND", msg, false)
	}
	return m, ok
}

// CreateBackup matches POST /api/backups
func (s *Server) CreateBackup(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveManager(w, r)
	if !ok {
		return
	}
	actor := auth.ClientIPFromContext(r.Context(), audit.UnknownActor)
	ref, err := m.CreateSnapshot(r.Context())
	if err != nil {
		s.audit.Record(r.Context(), audit.BackupFailed, actor, fmt.Sprintf("target=%s error=%v", m.Target(), err))
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.BackupCreated, actor,
		fmt.Sprintf("target=%s name=%s size=%d", ref.Target, ref.Name, ref.Size))
	writeJSON(w, http.StatusCreated, ref)
}

// ListBackups matches GET /api/backups
func (s *Server) ListBackups(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveManager(w, r)
	if !ok {
		return
	}
	refs, err := m.ListSnapshots(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": m.Target(), "snapshots": refs})
}

// BackupStats matches GET /api/backups/stats
func (s *Server) BackupStats(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveManager(w, r)
	if !ok {
		return
	}
	st, err := m.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CleanupBackups matches POST /api/backups/cleanup
func (s *Server) CleanupBackups(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveManager(w, r)
	if !ok {
		return
	}
	actor := auth.ClientIPFromContext(r.Context(), audit.UnknownActor)
	report, err := m.CleanupExpired(r.Context())
	if err != nil {
		s.audit.Record(r.Context(), audit.BackupFailed, actor, fmt.Sprintf("target=%s cleanup error=%v", m.Target(), err))
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), audit.BackupCleanup, actor,
		fmt.Sprintf("target=%s removed=%d failed=%d", report.Target, report.Removed, len(report.Failed)))
	writeJSON(w, http.StatusOK, report)
}
