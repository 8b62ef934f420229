package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/agentmemory/internal/audit"
)

// AuthErrors defines authentication error types.
var (
	ErrAPIKeyRequired = errors.New("API key required")
	ErrInvalidAPIKey  = errors.New("invalid API key")
)

// AuthError is the JSON body of every error response.
type AuthError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CorrID    string `json:"corrId"`
	Retryable bool   `json:"retryable"`
}

// Middleware authenticates by API key and then rate-limits per client IP.
// The X-API-Key header is checked first, then Authorization.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := CorrelationID(r)
			clientIP := ClientIP(r, cfg.TrustProxyHeaders)

			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				rawKey = extractAPIKey(r)
			}

			if blocked, retryAfter := cfg.Failures.Blocked(clientIP); blocked {
				cfg.Audit.Record(r.Context(), audit.RateLimited, clientIP, "auth failures path="+r.URL.Path)
				cfg.Logger.Warn("too many authentication failures",
					slog.String("corrId", corrID),
					slog.String("clientIp", clientIP),
				)
				writeRetryAfter(w, retryAfter)
				WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many failed authentication attempts", corrID, true)
				return
			}

			if err := checkKey(cfg.Keys, rawKey); err != nil {
				cfg.Failures.Allow(clientIP)
				cfg.Audit.Record(r.Context(), audit.AuthFailure, clientIP, authDetail(err, r))
				cfg.Logger.Warn("authentication failed",
					slog.String("corrId", corrID),
					slog.String("clientIp", clientIP),
					slog.String("path", r.URL.Path),
					slog.String("reason", err.Error()),
				)
				WriteError(w, http.StatusForbidden, "AUTH_FAILED", "Invalid or missing API Key", corrID, false)
				return
			}

			if ok, retryAfter := cfg.Limiter.Allow(clientIP); !ok {
				cfg.Audit.Record(r.Context(), audit.RateLimited, clientIP, "path="+r.URL.Path)
				cfg.Logger.Warn("rate limited",
					slog.String("corrId", corrID),
					slog.String("clientIp", clientIP),
				)
				writeRetryAfter(w, retryAfter)
				WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded", corrID, true)
				return
			}

			ctx := ContextWithActor(r.Context(), Actor{ClientIP: clientIP, Method: "api_key"})
			ctx = ContextWithCorrID(ctx, corrID)
			w.Header().Set("X-Correlation-Id", corrID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestAudit records one request event per call, after authentication.
func RequestAudit(rec audit.Recorder) func(http.Handler) http.Handler {
	if rec == nil {
		rec = audit.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec.Record(r.Context(), audit.Request, ClientIPFromContext(r.Context(), ""), "path="+r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

// HostAllowList rejects requests whose Host header, port stripped, is not
// listed. "*" or an empty list admits every host.
func HostAllowList(hosts []string, rec audit.Recorder, logger *slog.Logger) func(http.Handler) http.Handler {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	allowed := map[string]bool{}
	for _, h := range hosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}
	open := len(allowed) == 0 || allowed["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := hostOnly(r.Host)
			if !open && !allowed[host] {
				corrID := CorrelationID(r)
				rec.Record(r.Context(), audit.HostRejected, ClientIP(r, false), "host="+r.Host)
				logger.Warn("host rejected", slog.String("host", r.Host), slog.String("corrId", corrID))
				WriteError(w, http.StatusMisdirectedRequest, "HOST_REJECTED", "Invalid Host header", corrID, false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRetryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(d.Seconds()))))
}

func checkKey(keys *KeyChecker, rawKey string) error {
	if rawKey == "" {
		return ErrAPIKeyRequired
	}
	if !keys.Verify(rawKey) {
		return ErrInvalidAPIKey
	}
	return nil
}

func authDetail(err error, r *http.Request) string {
	if errors.Is(err, ErrAPIKeyRequired) {
		return "Missing API key path=" + r.URL.Path
	}
	return "Invalid API key path=" + r.URL.Path
}

// extractAPIKey extracts the API key from the Authorization header.
// Supports: Bearer <key>, ApiKey <key>, or just <key>
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if strings.HasPrefix(auth, "ApiKey ") {
		return strings.TrimPrefix(auth, "ApiKey ")
	}
	return auth
}

// WriteError writes the JSON error envelope.
func WriteError(w http.ResponseWriter, status int, code, message, corrID string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set("X-Correlation-Id", corrID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(AuthError{
		Code:      code,
		Message:   message,
		CorrID:    corrID,
		Retryable: retryable,
	})
}

// CorrelationID echoes X-Correlation-Id or makes a new one.
func CorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	if id := CorrIDFromContext(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// ClientIP returns the caller's address without port. Proxy headers are
// consulted only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return audit.UnknownActor
	}
	return r.RemoteAddr
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		hostport = h
	}
	return strings.ToLower(strings.Trim(hostport, "[]"))
}
