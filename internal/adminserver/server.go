// Package adminserver exposes the standard gRPC health-checking service
// over a reader's internal/readahead.Stats snapshot. It carries no
// entry-delivery traffic of its own; it is operational tooling layered
// outside the core, the same way a production log server's gRPC surface
// sits outside its commit log.
package adminserver

import (
	"context"
	"time"

	grpcMiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcAuth "github.com/grpc-ecosystem/go-grpc-middleware/auth"
	grpcZap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpcCtxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"

	"go.opencensus.io/plugin/ocgrpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/dlstream/readahead/internal/readahead"
)

const serviceName = "readahead.Reader"

// StatsSource is the seam a readahead.Reader satisfies; the admin server
// polls it rather than reaching into the reader's private state.
type StatsSource interface {
	Stats() readahead.Stats
}

// Authorizer gates every health RPC (Check and Watch) under the "watch"
// action, implemented by internal/auth.
type Authorizer interface {
	Authorize(subject, object, action string) error
}

const (
	objectWildcard = "*"
	watchAction    = "watch"
)

// Config carries everything NewGRPCServer needs to build and start
// serving health checks for one reader.
type Config struct {
	Reader       StatsSource
	Authorizer   Authorizer
	PollInterval time.Duration
}

// NewGRPCServer builds a *grpc.Server exposing only grpc_health_v1,
// wired with the same interceptor chain shape used elsewhere in this
// codebase: ctxtags, zap request logging, a casbin-backed auth
// interceptor, and an OpenCensus stats handler. The returned stop
// function halts the background status updater; callers should call it
// before grpc.Server.GracefulStop.
func NewGRPCServer(cfg Config, grpcOpts ...grpc.ServerOption) (*grpc.Server, func(), error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := zap.L().Named("adminserver")
	zapOpts := []grpcZap.Option{
		grpcZap.WithDurationField(func(d time.Duration) zapcore.Field {
			return zap.Int64("grpc.time_ns", d.Nanoseconds())
		}),
	}

	authFn := authenticator(cfg.Authorizer)
	grpcOpts = append(grpcOpts,
		grpc.StreamInterceptor(grpcMiddleware.ChainStreamServer(
			grpcCtxtags.StreamServerInterceptor(),
			grpcZap.StreamServerInterceptor(logger, zapOpts...),
			grpcAuth.StreamServerInterceptor(authFn),
		)),
		grpc.UnaryInterceptor(grpcMiddleware.ChainUnaryServer(
			grpcCtxtags.UnaryServerInterceptor(),
			grpcZap.UnaryServerInterceptor(logger, zapOpts...),
			grpcAuth.UnaryServerInterceptor(authFn),
		)),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
	)

	gsrv := grpc.NewServer(grpcOpts...)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gsrv, healthSrv)

	stop := make(chan struct{})
	go pollStatus(cfg.Reader, healthSrv, cfg.PollInterval, stop)

	return gsrv, func() { close(stop) }, nil
}

func pollStatus(reader StatsSource, healthSrv *health.Server, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := reader.Stats()
			status := healthpb.HealthCheckResponse_SERVING
			if s.LastError != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			healthSrv.SetServingStatus(serviceName, status)
		case <-stop:
			return
		}
	}
}

// authenticator returns a grpcAuth authentication function that extracts
// the caller's TLS common name as its subject and authorizes it for the
// watch action before the RPC handler runs.
func authenticator(authorizer Authorizer) func(ctx context.Context) (context.Context, error) {
	return func(ctx context.Context) (context.Context, error) {
		subject, err := subjectFromPeer(ctx)
		if err != nil {
			return ctx, err
		}
		if authorizer != nil {
			if err := authorizer.Authorize(subject, objectWildcard, watchAction); err != nil {
				return ctx, err
			}
		}
		return context.WithValue(ctx, subjectContextKey{}, subject), nil
	}
}

type subjectContextKey struct{}

func subjectFromPeer(ctx context.Context) (string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", status.New(codes.Unknown, "couldn't find peer info").Err()
	}
	if p.AuthInfo == nil {
		return "", nil
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", status.New(codes.Unauthenticated, "couldn't find TLS info").Err()
	}
	if len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", nil
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName, nil
}
