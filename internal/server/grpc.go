package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"TrancheLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Options configures the gRPC and HTTP listeners.
type Options struct {
	GRPCAddr string
	HTTPAddr string
	// RateLimitPerMin bounds gRPC calls overall and REST calls per client.
	// Zero disables limiting.
	RateLimitPerMin int
	Health          *observability.HealthChecker
	Metrics         *observability.Metrics
	Gatherer        prometheus.Gatherer
}

// Server runs the gRPC services and the REST gateway over one Service.
type Server struct {
	svc        *Service
	opts       Options
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	logger     zerolog.Logger
}

func New(svc *Service, opts Options) *Server {
	logger := observability.NewLogger("server")

	unaryInterceptors := []grpc.UnaryServerInterceptor{
		loggingUnaryInterceptor(logger, opts.Metrics),
		recoveryUnaryInterceptor(logger),
	}
	if limiter := newRequestLimiter(opts.RateLimitPerMin); limiter != nil {
		unaryInterceptors = append(unaryInterceptors, limiter.unaryInterceptor())
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryInterceptors...))
	grpcServer.RegisterService(lenderServiceDesc(), svc)
	grpcServer.RegisterService(adminServiceDesc(), svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		svc:        svc,
		opts:       opts,
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetServing flips the gRPC health status, normally once recovery finishes.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(lenderServiceName, st)
	s.health.SetServingStatus(adminServiceName, st)
}

// StartGRPC serves gRPC until ctx is cancelled, then stops gracefully.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.GRPCAddr, err)
	}
	s.logger.Info().Str("addr", s.opts.GRPCAddr).Msg("gRPC server listening")

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// StartHTTP serves the REST gateway, health and metrics until ctx is
// cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.logger.Info().Str("addr", s.opts.HTTPAddr).Msg("HTTP gateway listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func loggingUnaryInterceptor(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		start := time.Now()
		defer func() {
			code := status.Code(err)
			elapsed := time.Since(start)
			ev := logger.Debug()
			if code != codes.OK {
				ev = logger.Info()
			}
			ev.Str("method", info.FullMethod).Str("code", code.String()).
				Dur("duration", elapsed).Msg("grpc unary")
			if metrics != nil {
				metrics.QueryRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
				metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
				if engineHalted(r) {
					panic(r)
				}
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// engineHalted reports whether a recovered value is an engine halt. Those
// leave the engine unusable and must take the process down.
func engineHalted(r any) bool {
	msg, ok := r.(string)
	return ok && strings.HasPrefix(msg, "FATAL:")
}

type requestLimiter struct {
	limiter *rate.Limiter
}

func newRequestLimiter(perMinute int) *requestLimiter {
	if perMinute <= 0 {
		return nil
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	return &requestLimiter{limiter: rate.NewLimiter(limit, perMinute)}
}

func (r *requestLimiter) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !r.limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
