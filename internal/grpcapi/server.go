// Package grpcapi exposes the operational gRPC surface of the service and
// guards it with the same role gate as the HTTP routes.
package grpcapi

import (
	"context"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	channelzsvc "google.golang.org/grpc/channelz/service"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"ums.dev/internal/auth"
	"ums.dev/internal/obs"
)

const serviceName = "ums"

const authorizationKey = "authorization"

// ReadyProbe reports whether the backing store answers.
type ReadyProbe interface {
	Ready(ctx context.Context) error
}

// Policy maps a full method prefix (e.g. "/grpc.channelz.v1.Channelz/")
// to the role it requires. Methods matching no prefix are public.
type Policy map[string]string

// DefaultPolicy keeps health public and reserves introspection for admins.
func DefaultPolicy() Policy {
	return Policy{
		"/grpc.channelz.v1.Channelz/":                auth.RoleAdmin,
		"/grpc.reflection.v1.ServerReflection/":      auth.RoleAdmin,
		"/grpc.reflection.v1alpha.ServerReflection/": auth.RoleAdmin,
	}
}

// RequiredRole returns the role guarding fullMethod, if any. The longest
// matching prefix wins.
func (p Policy) RequiredRole(fullMethod string) (string, bool) {
	var (
		best string
		role string
	)
	for prefix, r := range p {
		if strings.HasPrefix(fullMethod, prefix) && len(prefix) > len(best) {
			best, role = prefix, r
		}
	}
	return role, best != ""
}

// Server bundles the grpc.Server with its health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	probe  ReadyProbe
}

// NewServer registers health, channelz and reflection behind the gate.
func NewServer(authz auth.Authorizer, probe ReadyProbe, policy Policy, opts ...grpc.ServerOption) *Server {
	if policy == nil {
		policy = DefaultPolicy()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(authz, policy)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(authz, policy)),
	)
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	channelzsvc.RegisterChannelzServiceToServer(gs)
	reflection.Register(gs)
	return &Server{grpc: gs, health: hs, probe: probe}
}

// Serve blocks serving lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop marks the service not serving and drains connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// CheckReadiness pings the store once and publishes the result through the
// health service and the readiness gauge.
func (s *Server) CheckReadiness(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	ok := true
	if s.probe != nil {
		if err := s.probe.Ready(ctx); err != nil {
			obs.Warn("grpc readiness probe failed", map[string]any{"error": err.Error()})
			st = healthpb.HealthCheckResponse_NOT_SERVING
			ok = false
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	obs.SetReady(ok)
	return ok
}

// WatchReadiness calls CheckReadiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		s.CheckReadiness(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// UnaryAuthInterceptor enforces policy on unary calls.
func UnaryAuthInterceptor(authz auth.Authorizer, policy Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authorize(ctx, authz, policy, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor enforces policy on streaming calls.
func StreamAuthInterceptor(authz auth.Authorizer, policy Policy) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authorize(ss.Context(), authz, policy, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authorizedStream{ServerStream: ss, ctx: ctx})
	}
}

type authorizedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authorizedStream) Context() context.Context { return s.ctx }

func authorize(ctx context.Context, authz auth.Authorizer, policy Policy, fullMethod string) (context.Context, error) {
	role, guarded := policy.RequiredRole(fullMethod)
	if !guarded {
		return ctx, nil
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(authorizationKey); len(vals) > 0 {
			header = vals[0]
		}
	}
	d, err := authz.Authorize(ctx, header, role)
	if err != nil {
		obs.Error("grpc authorization failed", map[string]any{"method": fullMethod, "error": err.Error()})
		return ctx, status.Error(codes.Unavailable, "authorization unavailable")
	}
	if !d.Allowed {
		if d.Reason.Authenticated() {
			return ctx, status.Error(codes.PermissionDenied, "Access denied!")
		}
		return ctx, status.Error(codes.Unauthenticated, "could not validate credentials")
	}
	return auth.ContextWithDecision(ctx, d), nil
}
