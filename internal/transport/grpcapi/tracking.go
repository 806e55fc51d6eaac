// Package grpcapi отдаёт поток событий заказа по gRPC.
package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/tracking"
)

const (
	ServiceName     = "ordertrack.v1.Tracking"
	WatchMethod     = "/" + ServiceName + "/Watch"
	observerBuffer  = 16
	authMetadataKey = "authorization"
)

// WatchRequest описывает запрос на подписку.
type WatchRequest struct {
	OrderID string `json:"order_id"`
}

// WatchEvent описывает сообщение потока. Первым приходит снимок текущего состояния.
type WatchEvent struct {
	OrderID   string             `json:"order_id"`
	Status    domain.OrderStatus `json:"status"`
	Sequence  int                `json:"sequence"`
	Timestamp time.Time          `json:"timestamp"`
	Snapshot  bool               `json:"snapshot,omitempty"`
}

func newWatchEvent(ev domain.StatusEvent, snapshot bool) *WatchEvent {
	return &WatchEvent{
		OrderID:   ev.OrderID,
		Status:    ev.Status,
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Snapshot:  snapshot,
	}
}

// Tracker выполняет подписку фасада с проверкой прав.
type Tracker interface {
	Subscribe(ctx context.Context, id domain.Identity, orderID string, observer tracking.Observer) (tracking.Handle, domain.Order, error)
	Unsubscribe(handle tracking.Handle)
}

// Verifier превращает bearer-токен в Identity.
type Verifier interface {
	Verify(raw string) (domain.Identity, error)
}

// TrackingServer реализует ordertrack.v1.Tracking.
type TrackingServer struct {
	tracker  Tracker
	verifier Verifier
	logger   *log.Entry
}

// NewTrackingServer создаёт сервер потока.
func NewTrackingServer(tracker Tracker, verifier Verifier, logger *log.Entry) *TrackingServer {
	if logger == nil {
		logger = log.WithField("component", "grpc-tracking")
	}
	return &TrackingServer{tracker: tracker, verifier: verifier, logger: logger}
}

// Register добавляет сервис в gRPC-сервер.
func (s *TrackingServer) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&trackingServiceDesc, s)
}

type trackingService interface {
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

var trackingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*trackingService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "ordertrack/v1/tracking.json",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(trackingService).Watch(&req, stream)
}

// Watch отправляет снимок, затем новые события до финального статуса или отмены клиентом.
func (s *TrackingServer) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := s.authenticate(ctx)
	if err != nil {
		return err
	}

	observer := tracking.NewChannelObserver(observerBuffer)
	defer observer.Close()

	handle, order, err := s.tracker.Subscribe(ctx, id, strings.TrimSpace(req.OrderID), observer)
	if err != nil {
		return ToStatus(err)
	}
	defer s.tracker.Unsubscribe(handle)

	entry := s.logger.WithFields(log.Fields{"order_id": order.ID, "subject": id.Subject})
	entry.Debug("watch started")

	snapshot := domain.NewStatusEvent(order)
	if err := stream.SendMsg(newWatchEvent(snapshot, true)); err != nil {
		return err
	}
	if order.Status.Final() {
		return nil
	}

	lastSeq := snapshot.Sequence
	for {
		select {
		case <-ctx.Done():
			entry.Debug("watch cancelled by client")
			return nil
		case ev := <-observer.Events():
			if ev.Sequence <= lastSeq {
				continue
			}
			lastSeq = ev.Sequence
			if err := stream.SendMsg(newWatchEvent(ev, false)); err != nil {
				return err
			}
			if ev.Status.Final() {
				entry.WithField("status", ev.Status).Debug("watch finished")
				return nil
			}
		}
	}
}

func (s *TrackingServer) authenticate(ctx context.Context) (domain.Identity, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authMetadataKey)
	if len(values) == 0 {
		return domain.Identity{}, status.Error(codes.Unauthenticated, "bearer token is required")
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return domain.Identity{}, status.Error(codes.Unauthenticated, "bearer token is required")
	}
	id, err := s.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		return domain.Identity{}, status.Error(codes.Unauthenticated, err.Error())
	}
	return id, nil
}

// ToStatus сопоставляет доменную ошибку коду gRPC.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tracking.ErrHubClosed) {
		return status.Error(codes.Unavailable, err.Error())
	}
	var code codes.Code
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		code = codes.NotFound
	case domain.KindInvalidOrder, domain.KindValidation:
		code = codes.InvalidArgument
	case domain.KindInvalidTransition, domain.KindNotCancellable, domain.KindRefundWindowExpired, domain.KindAlreadyReviewed:
		code = codes.FailedPrecondition
	case domain.KindConflict:
		code = codes.Aborted
	case domain.KindUnauthorized:
		code = codes.PermissionDenied
	case domain.KindUnavailable:
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
