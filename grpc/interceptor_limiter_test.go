package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestManager(t *testing.T, resources map[string]limiter.ResourceConfig) *limiter.Manager {
	t.Helper()
	cfg := limiter.DefaultConfig()
	cfg.Enabled = true
	cfg.Default = limiter.ResourceConfig{}
	for name, rc := range resources {
		cfg.Resources[name] = rc
	}
	mgr, err := limiter.NewManager(cfg, logger.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

type recordingToken struct {
	released string
}

func (t *recordingToken) OnSuccess() { t.released = "success" }
func (t *recordingToken) OnIgnore()  { t.released = "ignore" }
func (t *recordingToken) OnDropped() { t.released = "dropped" }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{status.Error(codes.ResourceExhausted, "x"), "dropped"},
		{status.Error(codes.Unavailable, "x"), "dropped"},
		{status.Error(codes.DeadlineExceeded, "x"), "dropped"},
		{status.Error(codes.Canceled, "x"), "ignore"},
		{status.Error(codes.NotFound, "x"), "success"},
		{errors.New("plain"), "success"},
	}
	for _, tt := range tests {
		tok := &recordingToken{}
		ClassifyError(tt.err)(tok)
		assert.Equal(t, tt.want, tok.released, "%v", tt.err)
	}
}

func TestUnaryServerLimiterInterceptor(t *testing.T) {
	const method = "/test.Service/Slow"
	mgr := newTestManager(t, map[string]limiter.ResourceConfig{
		method: {Algorithm: limiter.AlgorithmFixed, InitialLimit: 1},
	})
	interceptor := UnaryServerLimiterInterceptor(mgr, logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: method}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			close(entered)
			<-release
			return "ok", nil
		})
		done <- err
	}()
	<-entered

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	close(release)
	require.NoError(t, <-done)

	resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "again", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "again", resp)

	snapshot, _ := mgr.Snapshot(method)
	assert.Equal(t, 0, snapshot.InFlight)
}

func TestUnaryServerLimiterInterceptor_PanicReleases(t *testing.T) {
	const method = "/test.Service/Boom"
	mgr := newTestManager(t, map[string]limiter.ResourceConfig{
		method: {Algorithm: limiter.AlgorithmFixed, InitialLimit: 1},
	})
	interceptor := UnaryServerLimiterInterceptor(mgr, logger.Nop())

	assert.Panics(t, func() {
		_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: method},
			func(ctx context.Context, req interface{}) (interface{}, error) { panic("boom") })
	})

	snapshot, _ := mgr.Snapshot(method)
	assert.Equal(t, 0, snapshot.InFlight)
}

func TestUnaryServerLimiterInterceptor_Partition(t *testing.T) {
	const method = "/test.Service/Work"
	mgr := newTestManager(t, map[string]limiter.ResourceConfig{
		method: {
			Algorithm:    limiter.AlgorithmFixed,
			InitialLimit: 2,
			Partitions:   []limiter.PartitionConfig{{Name: "live", Share: 1}},
		},
	})
	interceptor := UnaryServerLimiterInterceptor(mgr, logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: method}

	var seen string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = limiter.PartitionFromContext(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(PartitionMetadataKey, "live"))
	_, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "live", seen)

	// everything is reserved for "live"
	_, err = interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestUnaryClientLimiterInterceptor(t *testing.T) {
	mgr := newTestManager(t, map[string]limiter.ResourceConfig{
		"test-service:/test.Service/Method": {Algorithm: limiter.AlgorithmFixed, InitialLimit: 1},
	})
	interceptor := UnaryClientLimiterInterceptor(mgr, "test-service", logger.Nop())

	held, ok := mgr.Acquire(context.Background(), "test-service:/test.Service/Method")
	require.True(t, ok)

	invoked := false
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		invoked = true
		return nil
	}

	err := interceptor(context.Background(), "/test.Service/Method", nil, nil, nil, invoker)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Contains(t, err.Error(), "concurrency limit exceeded")
	assert.False(t, invoked)

	// methods without a limit pass through
	require.NoError(t, interceptor(context.Background(), "/test.Service/Other", nil, nil, nil, invoker))
	assert.True(t, invoked)

	held.OnSuccess()
	require.NoError(t, interceptor(context.Background(), "/test.Service/Method", nil, nil, nil, invoker))
}

func TestInterceptors_Disabled(t *testing.T) {
	mgr, err := limiter.NewManager(limiter.DefaultConfig(), logger.Nop(), nil)
	require.NoError(t, err)

	resp, err := UnaryServerLimiterInterceptor(mgr, logger.Nop())(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/x/y"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, resp)

	err = UnaryClientLimiterInterceptor(nil, "svc", logger.Nop())(context.Background(), "/x/y", nil, nil, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			return nil
		})
	assert.NoError(t, err)
}

func TestLimiterInterceptors_OverBufconn(t *testing.T) {
	const method = "/grpc.health.v1.Health/Check"
	mgr := newTestManager(t, map[string]limiter.ResourceConfig{
		method:                {Algorithm: limiter.AlgorithmFixed, InitialLimit: 4},
		"health-svc:" + method: {Algorithm: limiter.AlgorithmFixed, InitialLimit: 4},
	})

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerLimiterInterceptor(mgr, logger.Nop())),
		grpc.ChainStreamInterceptor(StreamServerLimiterInterceptor(mgr, logger.Nop())),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(UnaryClientLimiterInterceptor(mgr, "health-svc", logger.Nop())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	for i := 0; i < 10; i++ {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}

	serverSide := mustSnapshot(t, mgr, method)
	assert.Equal(t, int64(10), serverSide.Acquired)
	assert.Equal(t, 0, serverSide.InFlight)

	clientSide := mustSnapshot(t, mgr, "health-svc:"+method)
	assert.Equal(t, int64(10), clientSide.Acquired)
	assert.Equal(t, 0, clientSide.InFlight)
}

func mustSnapshot(t *testing.T, mgr *limiter.Manager, resource string) limiter.Snapshot {
	t.Helper()
	s, ok := mgr.Snapshot(resource)
	require.True(t, ok)
	return s
}
