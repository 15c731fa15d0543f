package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const defaultCallTimeout = 10 * time.Second

// healthService is polled by orchestrators every few seconds; its calls log at Debug.
const healthService = "grpc.health.v1.Health"

// splitMethod turns "/grpc.health.v1.Health/Check" into its service and method.
func splitMethod(full string) (service, method string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

func callAttrs(ctx context.Context, full string, start time.Time, err error) []any {
	service, method := splitMethod(full)
	attrs := []any{
		"service", service,
		"method", method,
		"dur_ms", time.Since(start).Milliseconds(),
		"code", status.Code(err).String(),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer", p.Addr.String())
	}
	if err != nil {
		attrs = append(attrs, "err", err.Error())
	}
	return attrs
}

// callLevel keeps health probes out of Info and surfaces server faults.
func callLevel(full string, err error) slog.Level {
	switch status.Code(err) {
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return slog.LevelError
	}
	if service, _ := splitMethod(full); service == healthService {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// UnaryServerInterceptor logs, recovers panics and adds a deadline to calls without one.
func UnaryServerInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				log.Error("grpc unary panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			log.Log(ctx, callLevel(info.FullMethod, err), "grpc unary", callAttrs(ctx, info.FullMethod, start, err)...)
		}()

		return handler(ctx, req)
	}
}

func StreamServerInterceptor(log *slog.Logger) grpc.StreamServerInterceptor {
	if log == nil {
		log = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		ctx := ss.Context()

		defer func() {
			if r := recover(); r != nil {
				log.Error("grpc stream panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			log.Log(ctx, callLevel(info.FullMethod, err), "grpc stream", callAttrs(ctx, info.FullMethod, start, err)...)
		}()

		return handler(srv, ss)
	}
}
