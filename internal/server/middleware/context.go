package middleware

import "context"

type contextKey struct{ name string }

var (
	ownerIDKey  = contextKey{"owner_id"}
	tokenIDKey  = contextKey{"token_id"}
	clientIPKey = contextKey{"client_ip"}
)

// WithOwner returns a context carrying the authenticated owner id and the token id (jti) it came from.
func WithOwner(ctx context.Context, ownerID, tokenID string) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	ctx = context.WithValue(ctx, tokenIDKey, tokenID)
	return ctx
}

// GetOwnerID returns the owner_id from context and true if set; otherwise "", false.
func GetOwnerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerIDKey).(string)
	return v, ok && v != ""
}

// GetTokenID returns the token id from context and true if set; otherwise "", false.
func GetTokenID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenIDKey).(string)
	return v, ok
}

// WithClientIP returns a context carrying the client IP.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the client IP stored by ClientIPMiddleware, or "unknown".
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}
