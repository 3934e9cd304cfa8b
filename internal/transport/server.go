package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jinshui820/partx/internal/xchgmsg"
)

// serverOptions mirrors the teacher's lanuch_grpc_server.go keepalive and
// message-size tuning.
var serverOptions = []grpc.ServerOption{
	grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  5 * time.Second,
		Timeout:               1 * time.Second,
	}),
	grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}),
	grpc.MaxRecvMsgSize(64 * 1024 * 1024),
	grpc.MaxSendMsgSize(64 * 1024 * 1024),
}

// Server hosts the exchange transport service a node's peers dial into.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	router     Router
	log        logr.Logger
	listenAddr string
}

// NewServer builds a transport Server dispatching inbound messages to
// router.
func NewServer(listenAddr string, router Router, log logr.Logger) *Server {
	grpcServer := grpc.NewServer(serverOptions...)
	s := &Server{grpcServer: grpcServer, router: router, log: log, listenAddr: listenAddr}

	grpcServer.RegisterService(&serviceDesc, s)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.health = healthServer

	reflection.Register(grpcServer)
	return s
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.listenAddr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		s.health.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("transport: serve: %w", err)
	}
}

// Shutdown gracefully stops the server, falling back to a hard stop if
// ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

func (s *Server) SendSingleMessage(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var msg xchgmsg.SingleMessage
	from, _, err := decodeEnvelope(in.GetValue(), &msg)
	if err != nil {
		return nil, err
	}
	if err := s.router.RouteSingle(from, &msg); err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{}, nil
}

func (s *Server) SendFullMessage(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var msg xchgmsg.FullMessage
	from, senderOrder, err := decodeEnvelope(in.GetValue(), &msg)
	if err != nil {
		return nil, err
	}
	if err := s.router.RouteFull(from, senderOrder, &msg); err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{}, nil
}

func (s *Server) SendRestoreStateRequest(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req xchgmsg.SingleRequest
	from, _, err := decodeEnvelope(in.GetValue(), &req)
	if err != nil {
		return nil, err
	}
	single, full := s.router.RouteRestoreRequest(from, &req)

	var fullBytes []byte
	if full != nil {
		fullBytes, err = xchgmsg.Encode(full)
		if err != nil {
			return nil, fmt.Errorf("transport: encode restore full reply: %w", err)
		}
	}
	reply := restoreStateReply{Single: single, Full: fullBytes}
	payload, err := xchgmsg.Encode(reply)
	if err != nil {
		return nil, fmt.Errorf("transport: encode restore reply: %w", err)
	}
	return &wrapperspb.BytesValue{Value: payload}, nil
}

// restoreStateReply carries both halves of a restore-state answer (spec
// §4.8) since a single unary RPC must return them together.
type restoreStateReply struct {
	Single *xchgmsg.SingleMessage
	Full   []byte // gob-encoded *xchgmsg.FullMessage, nil if the sender has none yet
}
