package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/maksum/internal/bus"
	"github.com/matheus3301/maksum/internal/session"
	"github.com/matheus3301/maksum/internal/status"
	"github.com/matheus3301/maksum/internal/task"
)

// Health service names reported next to the overall ("") status.
const (
	ServiceSync     = "maksum.sync"
	ServicePresence = "maksum.presence"
)

// Services lists every service name the health server reports.
var Services = []string{"", ServiceSync, ServicePresence}

// Server manages the gRPC health endpoint for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	watch      *task.Handle
}

// NewServer creates a gRPC server bound to the session's Unix domain socket
// and seeds the health statuses from the machine's current state.
func NewServer(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		machine:    machine,
		bus:        b,
		logger:     logger,
	}
	s.apply(machine.Current())
	return s, nil
}

// Start follows session state changes and serves gRPC requests in the
// background.
func (s *Server) Start() {
	events, unsub := s.bus.Subscribe(bus.KindSessionStatusChanged, 16)
	s.watch = task.Go(context.Background(), func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				// Events may be dropped; the machine is authoritative.
				s.apply(s.machine.Current())
			}
		}
	})
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

func (s *Server) apply(state status.State) {
	for service, st := range healthFor(state) {
		s.health.SetServingStatus(service, st)
	}
}

// healthFor maps the session state onto per-service health. The process
// itself is serving unless it hit an error; sync needs a healthy backend;
// presence runs whenever an identity is loaded.
func healthFor(state status.State) map[string]healthpb.HealthCheckResponse_ServingStatus {
	serving := func(ok bool) healthpb.HealthCheckResponse_ServingStatus {
		if ok {
			return healthpb.HealthCheckResponse_SERVING
		}
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":              serving(state != status.Error),
		ServiceSync:     serving(state == status.Online),
		ServicePresence: serving(state.HasIdentity()),
	}
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.watch.Stop()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
