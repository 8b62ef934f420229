package auth

import "context"

// ActorContextKey is the context key for the authenticated client identity.
type ActorContextKey struct{}

// CorrIDContextKey is the context key for the request correlation id.
type CorrIDContextKey struct{}

// Actor is the identity attached to an authenticated request.
type Actor struct {
	ClientIP string `json:"clientIp"`
	Method   string `json:"method"` // "api_key"
}

// ContextWithActor adds actor to ctx.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey{}, actor)
}

// ActorFromContext retrieves the actor from ctx.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey{}).(Actor)
	return actor, ok
}

// ClientIPFromContext returns the actor's client IP, or fallback when the
// request was not authenticated by Middleware.
func ClientIPFromContext(ctx context.Context, fallback string) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.ClientIP != "" {
		return actor.ClientIP
	}
	return fallback
}

func ContextWithCorrID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, CorrIDContextKey{}, corrID)
}

func CorrIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(CorrIDContextKey{}).(string)
	return id
}
