package httpapi

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/obs"
)

// TokenVerifier turns a bearer token into a principal.
type TokenVerifier interface {
	VerifyAccess(ctx context.Context, token string) (auth.Principal, error)
}

// GRPCServer bundles the gRPC server with the standard health service.
type GRPCServer struct {
	Server    *grpc.Server
	health    *health.Server
	readiness ReadyProbe
}

// NewGRPCServer creates a server whose unary calls pass through the bearer
// gate. Health checks stay public.
func NewGRPCServer(verifier TokenVerifier, r ReadyProbe, opts ...grpc.ServerOption) *GRPCServer {
	if r == nil {
		r = PingProbe(nil)
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(verifier, healthpb.Health_ServiceDesc.ServiceName)))
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{Server: srv, health: hs, readiness: r}
}

// UpdateHealth probes readiness and publishes the result for every service.
func (s *GRPCServer) UpdateHealth(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := s.readiness.Check(ctx); err != nil {
		obs.Warn("grpc readiness check failed", map[string]any{"error": err.Error()})
		st = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return ok
}

// Shutdown marks every service as not serving and stops gracefully.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}

// UnaryAuthInterceptor requires a valid bearer token in the "authorization"
// metadata for every method outside the public services.
func UnaryAuthInterceptor(verifier TokenVerifier, publicServices ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for _, svc := range publicServices {
			if strings.HasPrefix(info.FullMethod, "/"+svc+"/") {
				return handler(ctx, req)
			}
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		ok := false
		if vals := md.Get("authorization"); len(vals) > 0 {
			token, ok = extractBearerToken(vals[0])
		}
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		principal, err := verifier.VerifyAccess(ctx, token)
		if err != nil {
			return nil, grpcAuthError(err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

func grpcAuthError(err error) error {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		return status.Error(codes.Unauthenticated, "token revoked")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "invalid token")
	default:
		return status.Error(codes.Internal, "authentication error")
	}
}
