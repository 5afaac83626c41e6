package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startTestServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(0, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServer_ChannelStartsNotServing(t *testing.T) {
	_, client := startTestServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ChannelService))
}

func TestHealthServer_SetServing(t *testing.T) {
	srv, client := startTestServer(t)

	srv.SetServing(ChannelService, true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ChannelService))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	srv.SetServing(ChannelService, false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ChannelService))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))
}
