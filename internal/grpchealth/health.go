// Package grpchealth runs the standard gRPC health-checking protocol
// service (grpc.health.v1.Health) against a liveness predicate supplied
// by the reconciler.
package grpchealth

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sio/libvirt-guestd/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service name reported over the wire.
const ServiceName = "libvirt_guestd.Reconciler"

// Server wraps a grpc.Server exposing the standard health service, with
// its serving status driven by a polled liveness predicate.
type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	cancel     context.CancelFunc
}

// New builds a Server. alive is polled every pollInterval and its result
// drives the reported serving status for ServiceName and the empty
// overall-service name ("").
func New(alive func() bool, pollInterval time.Duration) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpcServer: gs, healthSrv: hs}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.pollLoop(ctx, alive, pollInterval)

	return s
}

func (s *Server) pollLoop(ctx context.Context, alive func() bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.setStatus(alive())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setStatus(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus(ServiceName, status)
	s.healthSrv.SetServingStatus("", status)
}

// Start listens on addr and serves the health service until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logging.Op().Info("gRPC health service started", "addr", addr)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			logging.Op().Error("gRPC health server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the health service and its poll loop.
func (s *Server) Stop() {
	s.cancel()
	s.healthSrv.Shutdown()
	s.grpcServer.GracefulStop()
}
