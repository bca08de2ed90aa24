package adminserver_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dlstream/readahead/internal/adminserver"
	"github.com/dlstream/readahead/internal/readahead"
)

type fakeStatsSource struct {
	mu  sync.Mutex
	err error
}

func (f *fakeStatsSource) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStatsSource) Stats() readahead.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return readahead.Stats{LastError: f.err}
}

func startTestServer(t *testing.T, src adminserver.StatsSource) (healthpb.HealthClient, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gsrv, stopPoller, err := adminserver.NewGRPCServer(adminserver.Config{
		Reader:       src,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	go gsrv.Serve(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	teardown := func() {
		stopPoller()
		conn.Close()
		gsrv.Stop()
	}
	return healthpb.NewHealthClient(conn), teardown
}

func TestAdminServerReportsServingWhenReaderHealthy(t *testing.T) {
	src := &fakeStatsSource{}
	client, teardown := startTestServer(t, src)
	defer teardown()

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "readahead.Reader"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)
}

func TestAdminServerReportsNotServingOnFatalError(t *testing.T) {
	src := &fakeStatsSource{}
	client, teardown := startTestServer(t, src)
	defer teardown()

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "readahead.Reader"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)

	src.setError(errors.New("stream deleted"))

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "readahead.Reader"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)
}
