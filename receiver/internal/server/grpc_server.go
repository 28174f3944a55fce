package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Krimson/facereview/receiver/internal/health"
	"github.com/Krimson/facereview/receiver/internal/logging"
)

// GRPCServer - gRPC сервер как suture.Service: health, reflection и
// сервисы, зарегистрированные через Register
type GRPCServer struct {
	srv             *grpc.Server
	health          *health.HealthServer
	address         string
	shutdownTimeout time.Duration

	mu  sync.Mutex
	lis net.Listener
}

// NewGRPCServer создает сервер; health может быть nil
func NewGRPCServer(port string, hs *health.HealthServer, opts ...grpc.ServerOption) *GRPCServer {
	srv := grpc.NewServer(opts...)
	if hs != nil {
		grpc_health_v1.RegisterHealthServer(srv, hs)
	}
	reflection.Register(srv)

	return &GRPCServer{
		srv:             srv,
		health:          hs,
		address:         fmt.Sprintf(":%s", port),
		shutdownTimeout: 30 * time.Second,
	}
}

// Register дает доступ к grpc.Server для регистрации сервисов до Serve
func (s *GRPCServer) Register(fn func(*grpc.Server)) *GRPCServer {
	fn(s.srv)
	return s
}

// Listen открывает порт заранее (порт "0" - любой свободный)
func (s *GRPCServer) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lis == nil {
		lis, err := net.Listen("tcp", s.address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", s.address, err)
		}
		s.lis = lis
	}
	return s.lis.Addr(), nil
}

// Serve обслуживает запросы до отмены контекста, затем GracefulStop
func (s *GRPCServer) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()

	logging.Info().Str("addr", addr.String()).Msg("gRPC server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.lis = nil
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if s.health != nil {
		s.health.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logging.Info().Msg("gRPC server stopped")
	case <-time.After(s.shutdownTimeout):
		logging.Warn().Msg("graceful shutdown timeout, forcing stop")
		s.srv.Stop()
	}
	return ctx.Err()
}

func (s *GRPCServer) String() string { return "grpc-server" }
