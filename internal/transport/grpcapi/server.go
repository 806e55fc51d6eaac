package grpcapi

import (
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewServer собирает gRPC-сервер с метриками, health и сервисом отслеживания.
// registerer может быть nil: тогда метрики gRPC не регистрируются.
func NewServer(tracking *TrackingServer, registerer prometheus.Registerer) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	tracking.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	if registerer != nil {
		if err := registerer.Register(grpcMetrics); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
					grpcMetrics = existing
				}
			}
		}
	}
	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}
