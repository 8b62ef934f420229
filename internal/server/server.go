// Package server exposes the memory log and the backup managers over REST
// and over MCP on SSE, behind API-key auth and a per-client rate limit.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/yourorg/agentmemory/internal/audit"
	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/backup"
	"github.com/yourorg/agentmemory/internal/config"
	"github.com/yourorg/agentmemory/internal/memlog"
)

// Version is set at build time via ldflags.
var Version = "dev"

// ServiceName is reported by the banner endpoint.
const ServiceName = "Agent Memory Server"

// MemoryLog is what the boundary needs from the append log.
type MemoryLog interface {
	Read(ctx context.Context) (string, error)
	Append(ctx context.Context, entry string) (memlog.Ack, error)
	Stats(ctx context.Context) (memlog.FileStats, error)
	Path() string
	MaxEntrySize() int
}

// Options wires a Server. Log and Keys are required.
type Options struct {
	Config  config.Config
	Log     MemoryLog
	Audit   audit.Recorder
	Backups []*backup.Manager
	Keys    *auth.KeyChecker
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server serves REST and MCP.
type Server struct {
	cfg      config.Config
	log      MemoryLog
	audit    audit.Recorder
	backups  []*backup.Manager
	keys     *auth.KeyChecker
	limiter  *auth.RateLimiter
	failures *auth.RateLimiter
	logger   *slog.Logger
	now      func() time.Time
	mcp      *mcpserver.MCPServer
	sse      *mcpserver.SSEServer
}

func New(opts Options) (*Server, error) {
	if opts.Log == nil {
		return nil, errors.New("server: memory log is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("server: API key checker is required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		cfg:      opts.Config,
		log:      opts.Log,
		audit:    opts.Audit,
		backups:  opts.Backups,
		keys:     opts.Keys,
		limiter:  auth.NewRateLimiter(opts.Config.RateLimitRequests, opts.Config.RateLimitWindow),
		failures: auth.NewRateLimiter(auth.DefaultFailureLimit, opts.Config.RateLimitWindow),
		logger:   opts.Logger,
		now:      opts.Now,
	}
	s.mcp = s.newMCPServer()
	s.sse = mcpserver.NewSSEServer(s.mcp,
		mcpserver.WithStaticBasePath("/mcp"),
		mcpserver.WithSSEContextFunc(s.sseContext),
	)
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.Banner)
	r.Get("/health", s.Health)

	authn := auth.Middleware(auth.Config{
		Keys:              s.keys,
		Limiter:           s.limiter,
		Failures:          s.failures,
		Audit:             s.audit,
		TrustProxyHeaders: s.cfg.TrustProxyHeaders,
		Logger:            s.logger,
	})

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Get("/health/secure", s.HealthSecure)
		r.Get("/api/memory", s.ReadMemory)
		r.Post("/api/memory", s.WriteMemory)
		r.Post("/api/backups", s.CreateBackup)
		r.Get("/api/backups", s.ListBackups)
		r.Get("/api/backups/stats", s.BackupStats)
		r.Post("/api/backups/cleanup", s.CleanupBackups)
	})

	r.Route("/mcp", func(r chi.Router) {
		r.Use(auth.HostAllowList(s.cfg.AllowedHosts, s.audit, s.logger))
		r.Use(authn)
		r.Use(auth.RequestAudit(s.audit))
		r.Handle("/*", s.sse)
	})
	return r
}

// Shutdown closes open SSE sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.sse.Shutdown(ctx)
}

func (s *Server) sseContext(ctx context.Context, r *http.Request) context.Context {
	if _, ok := auth.ActorFromContext(ctx); ok {
		return ctx
	}
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return auth.ContextWithActor(ctx, actor)
	}
	return auth.ContextWithActor(ctx, auth.Actor{ClientIP: auth.ClientIP(r, s.cfg.TrustProxyHeaders)})
}

// appendEntry appends and records the outcome. The audit step cannot fail
// the write.
func (s *Server) appendEntry(ctx context.Context, entry, actor string) (memlog.Ack, error) {
	ack, err := s.log.Append(ctx, entry)
	var verr *memlog.ValidationError
	switch {
	case err == nil:
		s.audit.Record(ctx, audit.WriteSuccess, actor,
			fmt.Sprintf("size=%d preview=%s", len(entry), audit.Preview(entry)))
	case errors.As(err, &verr) && verr.Reason == memlog.TooLarge:
		s.audit.Record(ctx, audit.WriteRejectedOversized, actor,
			fmt.Sprintf("size=%d limit=%d", verr.Size, verr.Limit))
	case errors.As(err, &verr):
		s.audit.Record(ctx, audit.WriteRejectedEmpty, actor, "empty entry")
	default:
		s.audit.Record(ctx, audit.WriteFailed, actor, err.Error())
		s.logger.Error("memory append failed", "actor", actor, "error", err)
	}
	return ack, err
}

func (s *Server) manager(target string) (*backup.Manager, bool) {
	if len(s.backups) == 0 {
		return nil, false
	}
	if target == "" {
		return s.backups[0], true
	}
	for _, m := range s.backups {
		if m.Target() == target {
			return m, true
		}
	}
	return nil, false
}
