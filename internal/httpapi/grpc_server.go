package httpapi

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"paddock.org/internal/auth"
	"paddock.org/internal/obs"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// Authenticator resolves an access token into a request context.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.RequestContext, error)
}

// ReadinessChecker reports whether the backing store answers.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// GRPCServer serves the standard health service behind bearer token
// authentication. Health checks are exempt from authentication.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
	ready  ReadinessChecker
}

// NewGRPCServer builds the server and registers the health service.
func NewGRPCServer(authn Authenticator, ready ReadinessChecker, opts ...grpc.ServerOption) *GRPCServer {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(authn)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(authn)),
	}, opts...)
	s := &GRPCServer{
		Server: grpc.NewServer(opts...),
		health: health.NewServer(),
		ready:  ready,
	}
	healthpb.RegisterHealthServer(s.Server, s.health)
	return s
}

// UpdateHealth probes readiness and publishes the overall serving status.
func (s *GRPCServer) UpdateHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready.Ready(ctx); err != nil {
			obs.Named("grpc").Warn("readiness check failed", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
}

// Shutdown marks the server as not serving and drains in-flight calls.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}

// UnaryAuthInterceptor authenticates every unary call except health checks.
func UnaryAuthInterceptor(authn Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		ctx, err := authenticateRPC(ctx, authn)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor authenticates every stream except health watches.
func StreamAuthInterceptor(authn Authenticator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		ctx, err := authenticateRPC(ss.Context(), authn)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

func authenticateRPC(ctx context.Context, authn Authenticator) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if vals := md.Get("authorization"); len(vals) > 0 {
		token, _ = extractBearerToken(vals[0])
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	}
	rc, err := authn.Authenticate(ctx, token)
	switch {
	case err == nil:
		return auth.ContextWithRequest(ctx, rc), nil
	case auth.IsUnauthenticated(err):
		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	case errors.Is(err, auth.ErrForbidden):
		return nil, status.Error(codes.PermissionDenied, "forbidden")
	default:
		obs.Named("grpc").Error("authentication failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
}
