package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor authorizes every unary call against req using the
// "authorization" metadata. Denied calls fail with codes.Unauthenticated.
func UnaryServerInterceptor(a *Authorizer, req Requirement) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		r any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authorizeGRPC(ctx, a, req)
		if err != nil {
			return nil, err
		}
		return handler(ctx, r)
	}
}

// StreamServerInterceptor is the streaming form of [UnaryServerInterceptor].
func StreamServerInterceptor(a *Authorizer, req Requirement) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authorizeGRPC(ss.Context(), a, req)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authorizeGRPC(ctx context.Context, a *Authorizer, req Requirement) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	claims, ok := a.Authorize(ctx, metadataHeaders(md), req)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return ContextWithClaims(ctx, claims), nil
}

// metadataHeaders adapts incoming metadata to Headers. metadata.MD.Get
// lowercases the key.
type metadataHeaders metadata.MD

func (m metadataHeaders) Get(key string) string {
	if v := metadata.MD(m).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// wrappedServerStream overrides Context so handlers see the claims.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
