package grpcapi

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/orders"
	"github.com/vladislavdragonenkov/ordertrack/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordertrack/internal/tracking"
	"github.com/vladislavdragonenkov/ordertrack/internal/transport/httpapi"
)

const bufSize = 1024 * 1024

var (
	alice    = domain.Identity{Subject: "alice", Role: domain.RoleCustomer}
	bob      = domain.Identity{Subject: "bob", Role: domain.RoleCustomer}
	pizzeria = domain.Identity{Subject: "vendor-pizza", Role: domain.RoleVendor}
)

type streamFixture struct {
	conn *grpc.ClientConn
	svc  *orders.Service
	auth *httpapi.Authenticator
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()

	hub := tracking.NewHub(tracking.DefaultConfig(), nil, nil)
	t.Cleanup(hub.Close)
	svc := orders.NewService(orders.Dependencies{
		Orders:   memory.NewOrderRepository(),
		Notifier: hub,
	}, domain.NewStateMachine(0, 0), nil)
	auth := httpapi.NewAuthenticator("grpc-secret", "")

	server, _ := NewServer(NewTrackingServer(svc, auth, loggerForTests()), prometheus.NewRegistry())
	listener := bufconn.Listen(bufSize)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &streamFixture{conn: conn, svc: svc, auth: auth}
}

func (f *streamFixture) createOrder(t *testing.T) domain.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), alice, domain.OrderDraft{
		Currency: "USD",
		Items: []domain.OrderItem{
			{ProductID: "p-margherita", VendorID: "vendor-pizza", Name: "Margherita", UnitPriceMinor: 1249, Quantity: 1},
		},
	})
	require.NoError(t, err)
	return order
}

func (f *streamFixture) watch(t *testing.T, ctx context.Context, id domain.Identity, orderID string) grpc.ClientStream {
	t.Helper()
	if id.Subject != "" {
		token, err := f.auth.Issue(id, time.Hour)
		require.NoError(t, err)
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	stream, err := f.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, WatchMethod, grpc.CallContentSubtype(CodecName))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&WatchRequest{OrderID: orderID}))
	require.NoError(t, stream.CloseSend())
	return stream
}

func recv(t *testing.T, stream grpc.ClientStream) (*WatchEvent, error) {
	t.Helper()
	var ev WatchEvent
	if err := stream.RecvMsg(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func TestWatch_SnapshotThenPushesUntilFinal(t *testing.T) {
	f := newStreamFixture(t)
	order := f.createOrder(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := f.watch(t, ctx, alice, order.ID)

	snapshot, err := recv(t, stream)
	require.NoError(t, err)
	assert.True(t, snapshot.Snapshot)
	assert.Equal(t, domain.OrderStatusPending, snapshot.Status)
	assert.Equal(t, 1, snapshot.Sequence)

	_, err = f.svc.AdvanceStatus(context.Background(), pizzeria, order.ID, domain.OrderStatusConfirmed, 0)
	require.NoError(t, err)
	pushed, err := recv(t, stream)
	require.NoError(t, err)
	assert.False(t, pushed.Snapshot)
	assert.Equal(t, domain.OrderStatusConfirmed, pushed.Status)
	assert.Equal(t, 2, pushed.Sequence)

	_, err = f.svc.CancelOrder(context.Background(), alice, order.ID, "too slow")
	require.NoError(t, err)
	final, err := recv(t, stream)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, final.Status)
	assert.Equal(t, 3, final.Sequence)

	_, err = recv(t, stream)
	require.True(t, errors.Is(err, io.EOF), "stream closes after the final status, got %v", err)
}

func TestWatch_FinalOrderReturnsOnlySnapshot(t *testing.T) {
	f := newStreamFixture(t)
	order := f.createOrder(t)
	_, err := f.svc.CancelOrder(context.Background(), alice, order.ID, "not needed")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := f.watch(t, ctx, alice, order.ID)

	snapshot, err := recv(t, stream)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, snapshot.Status)
	_, err = recv(t, stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestWatch_Errors(t *testing.T) {
	f := newStreamFixture(t)
	order := f.createOrder(t)

	cases := []struct {
		name    string
		id      domain.Identity
		orderID string
		code    codes.Code
	}{
		{name: "no token", orderID: order.ID, code: codes.Unauthenticated},
		{name: "foreign customer", id: bob, orderID: order.ID, code: codes.PermissionDenied},
		{name: "missing order", id: alice, orderID: "missing", code: codes.NotFound},
		{name: "empty order id", id: alice, orderID: " ", code: codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := recv(t, f.watch(t, ctx, tc.id, tc.orderID))
			require.Error(t, err)
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestHealthService(t *testing.T) {
	f := newStreamFixture(t)

	resp, err := healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype(CodecName))
	require.NoError(t, err, "health answers over the json subtype too")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}

	raw, err := codec.Marshal(&WatchEvent{OrderID: "o-1", Status: domain.OrderStatusConfirmed, Sequence: 2})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"order_id":"o-1"`)

	raw, err = codec.Marshal(&healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	var req healthpb.HealthCheckRequest
	require.NoError(t, codec.Unmarshal([]byte(`{"service":"`+ServiceName+`","unknown":1}`), &req))
	assert.Equal(t, ServiceName, req.GetService())
	assert.Contains(t, string(raw), ServiceName)
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, ToStatus(nil))
	assert.Equal(t, codes.Aborted, status.Code(ToStatus(domain.ErrConflict)))
	assert.Equal(t, codes.FailedPrecondition, status.Code(ToStatus(domain.ErrNotCancellable)))
	assert.Equal(t, codes.Unavailable, status.Code(ToStatus(tracking.ErrHubClosed)))

	internal := ToStatus(errors.New("db password leaked"))
	assert.Equal(t, codes.Internal, status.Code(internal))
	assert.NotContains(t, status.Convert(internal).Message(), "password")
}
