// Package healthsvc reports scheduler health over the gRPC health protocol
package healthsvc

import (
	"context"
	"enginepool/pkg/pool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"net"
	"time"
)

// SaturationService is NOT_SERVING while every engine is busy.
const SaturationService = "enginepool.saturated"

// Probe reports whether the scheduler is shut down and whether it has no
// free engine.
type Probe func() (closed, saturated bool)

func PoolProbe(p *pool.Pool) Probe {
	return func() (bool, bool) {
		stats := p.Stats()
		return stats.Closed, stats.Saturated()
	}
}

type HealthService struct {
	probe   Probe
	refresh time.Duration
	health  *health.Server
	server  *grpc.Server
	logger  *zap.Logger
}

func New(probe Probe, refresh time.Duration, logger *zap.Logger) *HealthService {
	if refresh <= 0 {
		refresh = time.Second
	}

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time: 60 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	s := &HealthService{
		probe:   probe,
		refresh: refresh,
		health:  hs,
		server:  server,
		logger:  logger,
	}
	s.Refresh()
	return s
}

// Refresh publishes the current probe result.
func (s *HealthService) Refresh() {
	closed, saturated := s.probe()

	overall := healthpb.HealthCheckResponse_SERVING
	if closed {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	free := healthpb.HealthCheckResponse_SERVING
	if closed || saturated {
		free = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(SaturationService, free)
}

// Run listens on address and serves until ctx is done.
func (s *HealthService) Run(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen on %v", address)
	}
	return s.Serve(ctx, lis)
}

func (s *HealthService) Serve(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Refresh()
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-done:
				return
			}
		}
	}()

	s.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	err := s.server.Serve(lis)
	s.logger.Info("health server stopped", zap.Error(err))
	return err
}
