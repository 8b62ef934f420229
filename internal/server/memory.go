package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/agentmemory/internal/audit"
	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/logging"
)

// SuccessMessage is returned for every accepted write.
const SuccessMessage = "Successfully added new rule."

type writeRequest struct {
	Rule *string `json:"rule"`
}

// Banner matches GET /
func (s *Server) Banner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":      ServiceName,
		"status":       "active",
		"version":      Version,
		"mcp_endpoint": "/mcp/sse",
	})
}

// Health matches GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthBody(r, false))
}

// HealthSecure matches GET /health/secure
func (s *Server) HealthSecure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthBody(r, true))
}

func (s *Server) healthBody(r *http.Request, withConfig bool) map[string]any {
	body := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"rate_limit": map[string]int{
			"max_requests":   s.limiter.Limit(),
			"window_seconds": int(s.limiter.Window() / time.Second),
		},
	}
	if st, err := s.log.Stats(r.Context()); err != nil {
		body["status"] = "degraded"
		body["memory_file"] = map[string]any{"exists": false, "error": err.Error()}
	} else {
		body["memory_file"] = st
	}
	if withConfig {
		body["config"] = s.cfg.Public()
	}
	return body
}

// ReadMemory matches GET /api/memory
func (s *Server) ReadMemory(w http.ResponseWriter, r *http.Request) {
	content, err := s.log.Read(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.log.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content, "stats": st})
}

// WriteMemory matches POST /api/memory. The entry comes from the rule query
// parameter, or else from a JSON body {"rule": "..."}.
func (s *Server) WriteMemory(w http.ResponseWriter, r *http.Request) {
	actor := auth.ClientIPFromContext(r.Context(), audit.UnknownActor)
	logger := logging.WithRequest(s.logger, auth.CorrelationID(r), actor)

	entry, err := s.entryFromRequest(w, r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.audit.Record(r.Context(), audit.WriteRejectedOversized, actor, "request body too large")
			writeError(w, r, http.StatusRequestEntityTooLarge, "ENTRY_TOO_LARGE", "request body too large", false)
			return
		}
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false)
		return
	}

	ack, err := s.appendEntry(r.Context(), entry, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logger.Info("memory entry written", "bytes", ack.Bytes)

	body := map[string]any{
		"result":    SuccessMessage,
		"timestamp": ack.Timestamp.Format(time.RFC3339),
	}
	if st, err := s.log.Stats(r.Context()); err == nil {
		body["stats"] = st
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) entryFromRequest(w http.ResponseWriter, r *http.Request) (string, error) {
	if q := r.URL.Query(); q.Has("rule") {
		return q.Get("rule"), nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	// JSON escaping can grow each character to six bytes.
	limit := int64(s.log.MaxEntrySize())*6 + 1024
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", nil
	}
	var req writeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", errors.New("invalid JSON body")
	}
	if req.Rule == nil {
		return "", nil
	}
	return *req.Rule, nil
}
