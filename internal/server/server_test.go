package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/agentmemory/internal/audit"
	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/backup"
	"github.com/yourorg/agentmemory/internal/config"
	"github.com/yourorg/agentmemory/internal/memlog"
)

const testKey = "test-key"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *Server
	h     http.Handler
	log   *memlog.Log
	audit *audit.MemoryRecorder
	store *backup.MemoryStore
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Config{
		MemoryFilePath:    filepath.Join(t.TempDir(), "AGENTS.md"),
		MaxRuleSize:       100,
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		AllowedHosts:      []string{"localhost", "127.0.0.1"},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return newFixtureWith(t, cfg, audit.NewMemoryRecorder())
}

func newFixtureWith(t *testing.T, cfg config.Config, rec audit.Recorder) *fixture {
	t.Helper()
	log := memlog.New(cfg.MemoryFilePath, cfg.MaxRuleSize, memlog.WithClock(func() time.Time { return testNow }))
	store := backup.NewMemoryStore("")
	mgr := backup.NewManager(log, store, backup.Options{
		RetentionDays: 30,
		Timeout:       time.Second,
		Now:           func() time.Time { return testNow },
	})
	keys, err := auth.NewKeyChecker(testKey, "")
	require.NoError(t, err)

	srv, err := New(Options{
		Config:  cfg,
		Log:     log,
		Audit:   rec,
		Backups: []*backup.Manager{mgr},
		Keys:    keys,
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)

	f := &fixture{srv: srv, h: srv.Handler(), log: log, store: store}
	if mr, ok := rec.(*audit.MemoryRecorder); ok {
		f.audit = mr
	}
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if withKey {
		req.Header.Set("X-API-Key", testKey)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e auth.AuthError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e.Code
}

func TestNewRequiresLogAndKeys(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Log: memlog.New(filepath.Join(t.TempDir(), "m.md"), 10)})
	require.Error(t, err)
}

func TestBannerAndHealthArePublic(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "/mcp/sse", body["mcp_endpoint"])

	rec = f.do(t, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["timestamp"])
	limits := body["rate_limit"].(map[string]any)
	assert.EqualValues(t, 60, limits["max_requests"])
	assert.EqualValues(t, 60, limits["window_seconds"])
	assert.NotContains(t, body, "config")
}

func TestHealthSecureNeedsKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health/secure", "", false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/secure", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode(t, rec)["config"].(map[string]any)
	assert.EqualValues(t, 100, cfg["max_rule_size"])
	assert.NotContains(t, rec.Body.String(), testKey)
}

func TestWriteThenReadMemory(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/memory", `{"rule":"Prefer tabs over spaces"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, SuccessMessage, body["result"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["timestamp"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	rec = f.do(t, http.MethodPost, "/api/memory?rule="+url.QueryEscape("Use 4-space indents"), "", true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/memory", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	content := decode(t, rec)["content"].(string)
	first := strings.Index(content, "Prefer tabs over spaces")
	second := strings.Index(content, "Use 4-space indents")
	require.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first)

	events := f.audit.ByKind(audit.WriteSuccess)
	require.Len(t, events, 2)
	assert.Equal(t, "192.0.2.1", events[0].Actor)
	assert.Contains(t, events[0].Detail, "preview=Prefer tabs over spaces")
}

func TestWriteRejectsOversizedEntry(t *testing.T) {
	f := newFixture(t)

	rule := strings.Repeat("x", 101)
	rec := f.do(t, http.MethodPost, "/api/memory", `{"rule":"`+rule+`"}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "ENTRY_TOO_LARGE", errorCode(t, rec))

	_, err := os.Stat(f.log.Path())
	assert.True(t, os.IsNotExist(err), "rejected write must not create the file")
	assert.Len(t, f.audit.ByKind(audit.WriteRejectedOversized), 1)
}

func TestWriteRejectsHugeBodyBeforeParsing(t *testing.T) {
	f := newFixture(t)

	rule := strings.Repeat("x", 5000)
	rec := f.do(t, http.MethodPost, "/api/memory", `{"rule":"`+rule+`"}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Len(t, f.audit.ByKind(audit.WriteRejectedOversized), 1)
}

func TestWriteRejectsEmptyEntry(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`{"rule":"   "}`, `{}`, ""} {
		rec := f.do(t, http.MethodPost, "/api/memory", body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
	assert.Len(t, f.audit.ByKind(audit.WriteRejectedEmpty), 3)
}

func TestWriteRejectsBadJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/memory", `{"rule":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))
}

func TestWriteIOErrorIs500(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	f := newFixture(t, func(c *config.Config) {
		c.MemoryFilePath = filepath.Join(blocker, "AGENTS.md")
	})

	rec := f.do(t, http.MethodPost, "/api/memory", `{"rule":"hello"}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, f.audit.ByKind(audit.WriteFailed), 1)
}

func TestWriteSucceedsWhenAuditFileIsUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	rec := audit.NewFileRecorder(filepath.Join(blocker, "audit.log"), nil)
	cfg := config.Config{
		MemoryFilePath:    filepath.Join(dir, "AGENTS.md"),
		MaxRuleSize:       100,
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
	}
	f := newFixtureWith(t, cfg, rec)

	resp := f.do(t, http.MethodPost, "/api/memory", `{"rule":"still stored"}`, true)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	content, err := f.log.Read(context.Background())
	require.NoError(t, err)
	assert.Contains(t, content, "still stored")
	assert.Positive(t, rec.Failures())
}

func TestBadKeyIsAudited(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/memory", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AUTH_FAILED", errorCode(t, rec))
	events := f.audit.ByKind(audit.AuthFailure)
	require.Len(t, events, 1)
	assert.Equal(t, "192.0.2.1", events[0].Actor)
}

func TestRateLimitAcrossEndpoints(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.RateLimitRequests = 2 })

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/memory", "", true).Code)
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/memory", `{"rule":"a"}`, true).Code)

	rec := f.do(t, http.MethodGet, "/api/memory", "", true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Len(t, f.audit.ByKind(audit.RateLimited), 1)
}

func TestBackupEndpoints(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/memory", `{"rule":"keep me"}`, true).Code)

	rec := f.do(t, http.MethodPost, "/api/backups", "", true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ref backup.SnapshotRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ref))
	assert.Equal(t, "memory", ref.Target)
	body, ok := f.store.Get(ref.ID)
	require.True(t, ok)
	assert.Contains(t, string(body), "keep me")
	assert.Len(t, f.audit.ByKind(audit.BackupCreated), 1)

	old := testNow.Add(-45 * 24 * time.Hour)
	f.store.Put(backup.DefaultPrefix+"old.md", []byte("old"), old)

	rec = f.do(t, http.MethodGet, "/api/backups?target=memory", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode(t, rec)
	assert.Equal(t, "memory", listed["target"])
	assert.Len(t, listed["snapshots"], 2)

	rec = f.do(t, http.MethodGet, "/api/backups/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var st backup.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Count)

	rec = f.do(t, http.MethodPost, "/api/backups/cleanup", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var report backup.CleanupReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Removed)
	assert.Len(t, f.audit.ByKind(audit.BackupCleanup), 1)
}

func TestBackupUnknownTarget(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/backups?target=nope", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "BACKUP_TARGET_NOT_FOUND", errorCode(t, rec))
}

func TestBackupRemoteFailureIs502(t *testing.T) {
	f := newFixture(t)
	f.store.FailUploads(errors.New("remote down"))

	rec := f.do(t, http.MethodPost, "/api/backups", "", true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "BACKUP_REMOTE_ERROR", errorCode(t, rec))
	assert.Len(t, f.audit.ByKind(audit.BackupFailed), 1)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"too large", &memlog.ValidationError{Reason: memlog.TooLarge}, http.StatusRequestEntityTooLarge},
		{"empty", &memlog.ValidationError{Reason: memlog.Empty}, http.StatusBadRequest},
		{"io", &memlog.IOError{Op: "append", Err: os.ErrPermission}, http.StatusInternalServerError},
		{"busy", backup.ErrBusy, http.StatusConflict},
		{"timeout", &backup.Error{Op: backup.OpUpload, Target: "s3", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"remote", &backup.Error{Op: backup.OpList, Target: "s3", Err: errors.New("boom")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, _ := errorStatus(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMCPRejectsMissingKey(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp/sse", nil)
	req.Host = "localhost:8000"
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMCPRejectsForeignHost(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp/sse", nil)
	req.Host = "evil.example"
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMisdirectedRequest, rec.Code)
	assert.Len(t, f.audit.ByKind(audit.HostRejected), 1)
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestMCPWriteAndReadTools(t *testing.T) {
	f := newFixture(t)
	ctx := auth.ContextWithActor(context.Background(), auth.Actor{ClientIP: "10.0.0.5"})

	write := writeMemoryTool{s: f.srv}
	res, err := write.Handle(ctx, callRequest(map[string]any{"rule": "from an agent"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, SuccessMessage, toolText(t, res))

	read := readMemoryTool{s: f.srv}
	res, err = read.Handle(ctx, callRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, toolText(t, res), "from an agent")

	events := f.audit.ByKind(audit.WriteSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, "10.0.0.5", events[0].Actor)
}

func TestMCPWriteToolErrors(t *testing.T) {
	f := newFixture(t)
	write := writeMemoryTool{s: f.srv}

	res, err := write.Handle(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = write.Handle(context.Background(), callRequest(map[string]any{"rule": strings.Repeat("y", 101)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, toolText(t, res), "exceeds maximum size")

	events := f.audit.ByKind(audit.WriteRejectedOversized)
	require.Len(t, events, 1)
	assert.Equal(t, MCPActor, events[0].Actor)
}

func TestToolDefinitions(t *testing.T) {
	f := newFixture(t)

	def := writeMemoryTool{s: f.srv}.Definition()
	assert.Equal(t, "write_memory", def.Name)
	assert.Contains(t, def.InputSchema.Required, "rule")
	assert.Equal(t, "read_memory", readMemoryTool{s: f.srv}.Definition().Name)
}
