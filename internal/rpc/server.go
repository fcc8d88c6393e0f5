package rpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/raaihank/batch-embedder/internal/config"
	"github.com/raaihank/batch-embedder/internal/logger"
	"github.com/raaihank/batch-embedder/internal/metrics"
)

// Server serves inference.Inferencer with the standard health and reflection
// services
type Server struct {
	addr    string
	logger  *logger.Logger
	metrics *metrics.Collector
	grpc    *grpc.Server
	health  *health.Server
}

// New creates a gRPC server for embedder. collector may be nil.
func New(cfg *config.Config, log *logger.Logger, embedder Embedder, collector *metrics.Collector) *Server {
	s := &Server{
		addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)),
		logger:  log.WithComponent("grpc"),
		metrics: collector,
		health:  health.NewServer(),
	}

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.observeInterceptor))
	RegisterInferencerServer(s.grpc, &inferencer{embedder: embedder})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s.grpc)

	return s
}

// Start listens on the configured address and blocks until the server stops
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until the server stops
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC embedding server", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

// Stop marks the service not serving and drains in-flight calls until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gRPC embedding server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

func (s *Server) observeInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	elapsed := time.Since(start)
	code := status.Code(err)

	if s.metrics != nil {
		s.metrics.ObserveGRPCCall(info.FullMethod, code.String(), elapsed)
	}

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", code.String()),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		s.logger.Warn("gRPC call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("gRPC call completed", fields...)
	}
	return resp, err
}

func (s *Server) recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gRPC handler panicked",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
			)
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
