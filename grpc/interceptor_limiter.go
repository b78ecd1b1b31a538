package grpc

import (
	"context"
	"fmt"

	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PartitionMetadataKey incoming metadata key read as the partition name
const PartitionMetadataKey = "x-traffic-class"

// ClassifyError maps an RPC result to how the token is released
//
// ResourceExhausted, Unavailable and DeadlineExceeded signal overload.
// Cancelled calls say nothing about the backend. Every other error still
// carries a valid latency.
func ClassifyError(err error) func(limiter.Token) {
	if err == nil {
		return limiter.Token.OnSuccess
	}
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded:
		return limiter.Token.OnDropped
	case codes.Canceled:
		return limiter.Token.OnIgnore
	default:
		return limiter.Token.OnSuccess
	}
}

// partitionFromMetadata tags ctx with the partition sent by the caller
func partitionFromMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if values := md.Get(PartitionMetadataKey); len(values) > 0 && values[0] != "" {
		return limiter.WithPartition(ctx, values[0])
	}
	return ctx
}

// guard runs call under a token and releases it by the call's result
func guard(token limiter.Token, call func() error) (err error) {
	completed := false
	defer func() {
		if !completed {
			token.OnIgnore()
		}
	}()
	err = call()
	completed = true
	ClassifyError(err)(token)
	return err
}

// UnaryServerLimiterInterceptor limits concurrent unary calls per full method name
//
// Rejected calls fail with ResourceExhausted. The partition is read from the
// PartitionMetadataKey metadata entry.
func UnaryServerLimiterInterceptor(mgr *limiter.Manager, log *logger.CtxZapLogger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = logger.GetLogger("grpc")
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (resp interface{}, err error) {
		if mgr == nil || !mgr.IsEnabled() {
			return handler(ctx, req)
		}

		ctx = partitionFromMetadata(ctx)
		token, ok := mgr.Acquire(ctx, info.FullMethod)
		if !ok {
			log.DebugCtx(ctx, "gRPC call rejected", zap.String("method", info.FullMethod))
			return nil, status.Errorf(codes.ResourceExhausted, "concurrency limit exceeded for %s", info.FullMethod)
		}

		err = guard(token, func() error {
			resp, err = handler(ctx, req)
			return err
		})
		return resp, err
	}
}

// StreamServerLimiterInterceptor limits concurrent streams per full method name
func StreamServerLimiterInterceptor(mgr *limiter.Manager, log *logger.CtxZapLogger) grpc.StreamServerInterceptor {
	if log == nil {
		log = logger.GetLogger("grpc")
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if mgr == nil || !mgr.IsEnabled() {
			return handler(srv, ss)
		}

		ctx := partitionFromMetadata(ss.Context())
		token, ok := mgr.Acquire(ctx, info.FullMethod)
		if !ok {
			log.DebugCtx(ctx, "gRPC stream rejected", zap.String("method", info.FullMethod))
			return status.Errorf(codes.ResourceExhausted, "concurrency limit exceeded for %s", info.FullMethod)
		}

		return guard(token, func() error {
			return handler(srv, ss)
		})
	}
}

// UnaryClientLimiterInterceptor limits concurrent outgoing calls
//
// Resource name: {serviceName}:{method} (e.g. "auth-app:/auth.AuthService/Login")
func UnaryClientLimiterInterceptor(mgr *limiter.Manager, serviceName string, log *logger.CtxZapLogger) grpc.UnaryClientInterceptor {
	if log == nil {
		log = logger.GetLogger("grpc")
	}
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if mgr == nil || !mgr.IsEnabled() {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		resource := fmt.Sprintf("%s:%s", serviceName, method)
		token, ok := mgr.Acquire(ctx, resource)
		if !ok {
			log.WarnCtx(ctx, "outgoing gRPC call rejected",
				zap.String("service", serviceName),
				zap.String("method", method),
				zap.String("resource", resource))
			return status.Errorf(codes.ResourceExhausted, "concurrency limit exceeded for %s", method)
		}

		return guard(token, func() error {
			return invoker(ctx, method, req, reply, cc, opts...)
		})
	}
}
