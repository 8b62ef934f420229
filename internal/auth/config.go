package auth

import (
	"log/slog"

	"github.com/yourorg/agentmemory/internal/audit"
)

// Config wires the authentication middleware.
type Config struct {
	// Keys verifies the presented API key.
	Keys *KeyChecker
	// Limiter caps requests per client IP after a key is accepted.
	Limiter *RateLimiter
	// Failures caps rejected keys per client IP. A client over the cap gets
	// 429 before its key is checked.
	Failures *RateLimiter
	// Audit receives auth_failure and rate_limited events.
	Audit audit.Recorder
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Audit == nil {
		c.Audit = audit.Nop{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
