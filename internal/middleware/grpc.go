package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AdminAuthInterceptor guards the admin gRPC listener with a static token
func AdminAuthInterceptor(adminToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkAdminToken(ctx, adminToken); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAdminAuthInterceptor is the streaming counterpart of AdminAuthInterceptor
func StreamAdminAuthInterceptor(adminToken string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkAdminToken(ss.Context(), adminToken); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkAdminToken(ctx context.Context, adminToken string) error {
	// Skip auth if no token is configured
	if adminToken == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "metadata is not provided")
	}
	auth := md.Get("authorization")
	if len(auth) == 0 {
		return status.Error(codes.Unauthenticated, "authorization token is not provided")
	}

	token := strings.TrimPrefix(auth[0], "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid authorization token")
	}
	return nil
}
