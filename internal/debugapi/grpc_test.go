package debugapi

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/cellular-data-manager/internal/observability"
)

type grpcFixture struct {
	client    *Client
	wwan      *fakeTracker
	collector *observability.DataCallCollector
}

func newGRPCFixture(t *testing.T) *grpcFixture {
	t.Helper()
	svc, wwan, _ := newFakeService()
	collector, err := observability.NewDataCallCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	server := NewGRPCServer(svc, collector, nil)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return &grpcFixture{client: NewClient(cc), wwan: wwan, collector: collector}
}

func TestGRPCListConnections(t *testing.T) {
	f := newGRPCFixture(t)

	out, err := f.client.ListConnections(context.Background())
	require.NoError(t, err)
	conns := out.GetFields()["connections"].GetListValue().GetValues()
	require.Len(t, conns, 2)
	assert.Equal(t, "DC-C-1", conns[0].GetStructValue().GetFields()["name"].GetStringValue())
	assert.Equal(t, float64(1), conns[0].GetStructValue().GetFields()["cid"].GetNumberValue())
}

func TestGRPCListRequestContexts(t *testing.T) {
	f := newGRPCFixture(t)

	out, err := f.client.ListRequestContexts(context.Background())
	require.NoError(t, err)
	trackers := out.GetFields()["trackers"].GetListValue().GetValues()
	require.Len(t, trackers, 2)
	requests := out.GetFields()["requests"].GetListValue().GetValues()
	require.Len(t, requests, 1)
	assert.Equal(t, "req-1", requests[0].GetStructValue().GetFields()["id"].GetStringValue())
}

func TestGRPCGetDataAllowed(t *testing.T) {
	f := newGRPCFixture(t)
	ctx := context.Background()

	out, err := f.client.GetDataAllowed(ctx, "default", "wwan")
	require.NoError(t, err)
	assert.True(t, out.GetFields()["allowed"].GetBoolValue())
	assert.Equal(t, "NORMAL", out.GetFields()["allowed_by"].GetStringValue())

	_, err = f.client.GetDataAllowed(ctx, "nonsense", "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = f.client.GetDataAllowed(ctx, "default", "bluetooth")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCTriggerRecovery(t *testing.T) {
	f := newGRPCFixture(t)

	require.NoError(t, f.client.TriggerRecovery(context.Background()))
	assert.Equal(t, 1, f.wwan.recoveryCount())
}

func TestGRPCRecordsMetrics(t *testing.T) {
	f := newGRPCFixture(t)
	ctx := context.Background()

	_, err := f.client.ListConnections(ctx)
	require.NoError(t, err)
	_, err = f.client.GetDataAllowed(ctx, "nonsense", "")
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.collector.RPCRequests.WithLabelValues("DataDebug", "ListConnections", "OK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.collector.RPCRequests.WithLabelValues("DataDebug", "GetDataAllowed", "InvalidArgument")))
}
