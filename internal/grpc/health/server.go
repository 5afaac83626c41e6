package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ChannelService is the health service name reported for the agent channel.
const ChannelService = "silo.desktop.AgentChannel"

// Server exposes grpc.health.v1.Health so load balancers and orchestrators
// can probe the control plane.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	port       int
}

// NewServer builds the server; creds may be nil for plaintext.
func NewServer(port int, creds credentials.TransportCredentials) *Server {
	var opts []grpc.ServerOption
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(opts...)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthServer.SetServingStatus(ChannelService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		port:       port,
	}
}

// SetServing flips both the overall status and the named service.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
	if service != "" {
		s.health.SetServingStatus("", status)
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	slog.Info("Starting gRPC health server", "addr", lis.Addr().String())

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC health server")

	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC health server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC health server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}

	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
