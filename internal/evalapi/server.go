package evalapi

import (
	"fmt"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
)

// Server hosts the evaluation service together with the standard health
// and reflection services.
type Server struct {
	logger *slog.Logger
	cfg    *config.RPCConfig
	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds a gRPC server with the request logger, metrics and
// default-timeout interceptors and registers api on it. The health service
// reports NOT_SERVING until SetServing is called.
func NewServer(logger *slog.Logger, cfg *config.RPCConfig, api *API) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		panic("evalapi: rpc config cannot be nil")
	}
	if api == nil {
		panic("evalapi: api cannot be nil")
	}

	g := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:             cfg.KeepaliveTime,
			Timeout:          cfg.KeepaliveTimeout,
			MaxConnectionAge: cfg.MaxConnectionAge,
		}),
		grpc.ChainUnaryInterceptor(
			RequestLoggerInterceptor(logger),
			ObservabilityInterceptor(),
			TimeoutInterceptor(cfg.RequestTimeout),
		),
	)

	api.Register(g)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(rulesv1.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Lets grpcurl list the services without local descriptors.
	reflection.Register(g)

	return &Server{logger: logger, cfg: cfg, grpc: g, health: hs}
}

// SetServing flips the health status of the server and the evaluation service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(rulesv1.ServiceName, st)
}

// Serve blocks serving lis.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", slog.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// Listen binds the configured address and serves it.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(lis)
}

// GracefulStop marks the server unhealthy and waits for pending calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}
