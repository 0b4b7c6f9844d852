package grpchealth

import (
	"context"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestSetStatusReflectsAlivePredicate(t *testing.T) {
	alive := true
	s := New(func() bool { return alive }, 5*time.Millisecond)
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err := s.healthSrv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := s.healthSrv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v err=%v", resp, err)
	}

	alive = false
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err := s.healthSrv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("status never transitioned to NOT_SERVING")
}
