package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-incidents/internal/config"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// slowCall is the latency above which a unary call is logged at warn level.
const slowCall = time.Second

// Server owns the listener, the gRPC server and its health state.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer binds cfg.Address and registers the engine, health and reflection
// services. Extra options are appended after the built-in interceptors.
func NewServer(cfg config.ServerConfig, service IncidentEngineServer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	s := &Server{cfg: cfg, listener: lis, logger: utils.Component(logger, "grpc")}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor, s.recoverUnary, s.logUnary),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	if cfg.MaxRecvMsgBytes > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgBytes))
	}
	s.grpcServer = grpc.NewServer(append(serverOpts, opts...)...)

	RegisterIncidentEngineServer(s.grpcServer, service)
	grpc_prometheus.Register(s.grpcServer)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	return s, nil
}

// recoverUnary turns a handler panic into codes.Internal so one bad event
// cannot take the process down.
func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", slog.String("method", info.FullMethod), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	elapsed := time.Since(start)
	switch {
	case elapsed > slowCall:
		s.logger.Warn("slow call", slog.String("method", info.FullMethod), slog.Duration("elapsed", elapsed), slog.String("code", status.Code(err).String()))
	case err != nil:
		s.logger.Debug("call failed", slog.String("method", info.FullMethod), slog.String("code", status.Code(err).String()), slog.Any("error", err))
	}
	return resp, err
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("gRPC server listening", slog.String("address", s.Address()))
	return s.grpcServer.Serve(s.listener)
}

// Shutdown reports NOT_SERVING to health checks, drains in-flight calls and stops
// hard when ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address is the bound listener address, which differs from the configured
// one when port 0 was requested.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
