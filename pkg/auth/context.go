package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const claimsKey contextKey = iota

// ContextWithClaims returns a copy of ctx carrying claims. The HTTP
// middleware and gRPC interceptors call it after an allow decision.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims of the authorized caller. It never
// returns a nil *Claims with true.
//
//	claims, ok := auth.ClaimsFromContext(r.Context())
//	if !ok {
//	    return // not behind the middleware
//	}
//	log.Info("request", "tenant", claims.TenantID, "sub", claims.Subject)
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok && claims != nil
}

// MustClaimsFromContext is ClaimsFromContext for code that only runs
// behind the middleware. It panics when no claims are present.
func MustClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		panic("auth: no claims in context; ensure the authorization middleware is configured")
	}
	return claims
}

// TraceIDFromContext returns the active trace ID as hex, for correlating
// a decision with its trace.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
