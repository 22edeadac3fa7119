package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/config"
	"market-watch/internal/models"
	"market-watch/internal/services/query"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type Server struct {
	config     *config.Config
	querySvc   *query.Service
	health     *health.Server
	logger     *logrus.Logger
	grpcServer *grpc.Server
	startTime  time.Time
}

func NewServer(
	cfg *config.Config,
	querySvc *query.Service,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		config:    cfg,
		querySvc:  querySvc,
		health:    health.NewServer(),
		logger:    logger,
		startTime: time.Now(),
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, p := range querySvc.Platforms() {
		s.health.SetServingStatus(p.String(), healthpb.HealthCheckResponse_SERVING)
	}
	return s
}

// Register attaches the series and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&SeriesServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve runs the gRPC server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(16 * 1024 * 1024), // 16MB
		grpc.MaxSendMsgSize(64 * 1024 * 1024), // 64MB
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}

	s.grpcServer = grpc.NewServer(opts...)
	s.Register(s.grpcServer)

	s.logger.Infof("gRPC server listening on %s", lis.Addr())

	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.logger.Info("Stopping gRPC server...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
}

// OnState keeps the per-platform health status in line with the last sync outcome.
func (s *Server) OnState(state models.SyncState) {
	switch {
	case state.Failed():
		s.health.SetServingStatus(state.Platform.String(), healthpb.HealthCheckResponse_NOT_SERVING)
	case state.Idle() && state.LastError == "":
		s.health.SetServingStatus(state.Platform.String(), healthpb.HealthCheckResponse_SERVING)
	}
}

// Interceptors for logging and error handling
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	duration := time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": duration.Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	duration := time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": duration.Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}

// Helper to convert errors to gRPC status
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrInvalidInterval), errors.Is(err, apperrors.ErrInvalidConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apperrors.ErrAuthInvalid):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, apperrors.ErrConnector):
		return status.Error(codes.Unavailable, err.Error())
	case apperrors.IsCancelled(err):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
