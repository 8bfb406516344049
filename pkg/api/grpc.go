package api

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the standard gRPC health service so orchestrators can
// probe each component of the event server
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates the gRPC server with health and reflection registered
func NewGRPCServer() *GRPCServer {
	logger := log.WithComponent("grpc")
	s := &GRPCServer{
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.SyncHealth()

	return s
}

// Start serves gRPC on addr until Stop
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves gRPC on an existing listener
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return s.grpc.Serve(lis)
}

// SyncHealth copies the component health into the gRPC health service. The
// empty service name reports the overall readiness.
func (s *GRPCServer) SyncHealth() {
	h := metrics.GetHealth()
	for name, state := range h.Components {
		s.health.SetServingStatus(name, servingStatus(state == metrics.StatusHealthy))
	}

	ready := metrics.GetReadiness()
	s.health.SetServingStatus("", servingStatus(ready.Status == metrics.StatusReady))
}

// RunHealthSync calls SyncHealth every interval until ctx is done
func (s *GRPCServer) RunHealthSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncHealth()
		}
	}
}

// Stop marks every service as not serving and drains in-flight calls
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// methodName strips the service path, "/grpc.health.v1.Health/Check" -> "Check"
func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}
