package daemon

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Conn is a control connection to a running daemon.
type Conn struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket. The connection is lazy;
// an absent daemon shows up on the first call.
func Dial(socketPath string) (*Conn, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Conn{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Check returns the health of every reported service, in Services order.
func (c *Conn) Check(ctx context.Context) ([]*healthpb.HealthCheckResponse, error) {
	out := make([]*healthpb.HealthCheckResponse, 0, len(Services))
	for _, service := range Services {
		resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", service, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// Close closes the gRPC connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
