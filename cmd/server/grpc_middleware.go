package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ordersaga/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := s.limiter.Wait(s.Context()); err != nil {
		return limitError(err)
	}
	return s.ServerStream.RecvMsg(m)
}

// limitError turns a context error from the limiter into the matching status.
func limitError(err error) error {
	return status.FromContextError(err).Err()
}

func rateLimitUnaryInterceptor(log *slog.Logger, limiter rateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracked := shouldTrackMethod(info.FullMethod)
		span := &observability.Span{}
		if tracked {
			span = metrics.Start("grpc" + info.FullMethod)
		}
		start := time.Now()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				err = limitError(err)
				span.EndKind(err, codes.ResourceExhausted.String())
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.EndKind(err, status.Code(err).String())
		if err != nil && tracked {
			log.WarnContext(ctx, "grpc unary call failed", "method", info.FullMethod, "elapsed", time.Since(start), "err", err)
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(log *slog.Logger, limiter rateLimiter, metrics *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracked := shouldTrackMethod(info.FullMethod)
		span := &observability.Span{}
		if tracked {
			span = metrics.Start("grpc" + info.FullMethod)
		}
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.EndKind(err, status.Code(err).String())
		if err != nil && tracked {
			log.WarnContext(stream.Context(), "grpc stream failed", "method", info.FullMethod, "elapsed", time.Since(start), "err", err)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
