package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	channelzpb "google.golang.org/grpc/channelz/grpc_channelz_v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"ums.dev/internal/auth"
	"ums.dev/internal/store/memory"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = listener.Close()
	})
	return conn
}

type probeFunc func(context.Context) error

func (f probeFunc) Ready(ctx context.Context) error { return f(ctx) }

type fixture struct {
	svc   *auth.Service
	codec *auth.TokenCodec
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	hasher, err := auth.NewHasher(auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	codec, err := auth.NewTokenCodec("grpc-test-secret")
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	svc, err := auth.NewService(memory.NewSeeded(), hasher, codec)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{svc: svc, codec: codec}
}

func (f fixture) token(t *testing.T, username string) string {
	t.Helper()
	tok, _, err := f.codec.Issue(auth.Claims{"sub": username}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func withAuth(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(f.svc.Authorizer(), f.svc, nil)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !srv.CheckReadiness(ctx) {
		t.Fatalf("expected ready")
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestHealthReflectsStoreOutage(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(f.svc.Authorizer(), probeFunc(func(context.Context) error { return errors.New("boom") }), nil)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if srv.CheckReadiness(ctx) {
		t.Fatalf("expected not ready")
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestChannelzRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SeedSuperuser(ctx, auth.RegisterInput{Username: "root", Password: "pw"}); err != nil {
		t.Fatalf("SeedSuperuser: %v", err)
	}
	if _, err := f.svc.Register(ctx, auth.RegisterInput{Username: "alice", Password: "pw"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	conn := startBufGRPC(t, NewServer(f.svc.Authorizer(), f.svc, nil))
	client := channelzpb.NewChannelzClient(conn)

	cases := []struct {
		name string
		ctx  context.Context
		want codes.Code
	}{
		{"no token", ctx, codes.Unauthenticated},
		{"bad token", withAuth(ctx, "garbage"), codes.Unauthenticated},
		{"unknown user", withAuth(ctx, f.token(t, "ghost")), codes.Unauthenticated},
		{"not admin", withAuth(ctx, f.token(t, "alice")), codes.PermissionDenied},
		{"admin", withAuth(ctx, f.token(t, "root")), codes.OK},
	}
	for _, tc := range cases {
		callCtx, cancel := context.WithTimeout(tc.ctx, 2*time.Second)
		_, err := client.GetTopChannels(callCtx, &channelzpb.GetTopChannelsRequest{})
		cancel()
		if got := status.Code(err); got != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
}

type failingAuthorizer struct{}

func (failingAuthorizer) Authorize(context.Context, string, string) (auth.Decision, error) {
	return auth.Decision{}, fmt.Errorf("%w: db down", auth.ErrInfrastructure)
}

func TestInterceptorMapsStoreFailure(t *testing.T) {
	var called bool
	interceptor := UnaryAuthInterceptor(failingAuthorizer{}, DefaultPolicy())
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.channelz.v1.Channelz/GetServers"},
		func(context.Context, any) (any, error) {
			called = true
			return nil, nil
		})
	if status.Code(err) != codes.Unavailable || called {
		t.Fatalf("expected Unavailable without calling handler, got %v", err)
	}

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(context.Context, any) (any, error) {
			called = true
			return nil, nil
		})
	if err != nil || !called {
		t.Fatalf("public method should bypass the gate: %v", err)
	}
}

func TestInterceptorStoresDecision(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.SeedSuperuser(context.Background(), auth.RegisterInput{Username: "root", Password: "pw"}); err != nil {
		t.Fatalf("SeedSuperuser: %v", err)
	}
	md := metadata.Pairs(authorizationKey, "Bearer "+f.token(t, "root"))
	ctx := metadata.NewIncomingContext(context.Background(), md)

	interceptor := UnaryAuthInterceptor(f.svc.Authorizer(), Policy{"/svc/": auth.RoleStaff})
	var subject string
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Do"}, func(ctx context.Context, _ any) (any, error) {
		subject, _ = auth.SubjectFromContext(ctx)
		return nil, nil
	})
	if err != nil || subject != "root" {
		t.Fatalf("expected admin bypass with subject root, got %q %v", subject, err)
	}
}

func TestPolicyLongestPrefix(t *testing.T) {
	p := Policy{"/a/": "staff", "/a/Admin": "admin"}
	if role, ok := p.RequiredRole("/a/AdminOnly"); !ok || role != "admin" {
		t.Fatalf("got %q %v", role, ok)
	}
	if role, ok := p.RequiredRole("/a/List"); !ok || role != "staff" {
		t.Fatalf("got %q %v", role, ok)
	}
	if _, ok := p.RequiredRole("/b/List"); ok {
		t.Fatalf("expected public method")
	}
}
