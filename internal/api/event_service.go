package api

import (
	"github.com/google/uuid"
	"github.com/matheus3301/vksync/internal/bus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventService implements vksync.v1.EventService: a server stream of bus
// events for the presentation layer.
type EventService struct {
	bus         *bus.Bus
	sessionName string
	logger      *zap.Logger
}

// NewEventService creates a new event service.
func NewEventService(b *bus.Bus, sessionName string, logger *zap.Logger) *EventService {
	return &EventService{bus: b, sessionName: sessionName, logger: logger.Named("events")}
}

// Desc implements Service.
func (s *EventService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: EventServiceName,
		HandlerType: (*Service)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				req := new(structpb.Struct)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return s.WatchEvents(req, stream)
			},
		}},
	}
}

// WatchEvents streams every event whose kind starts with the requested
// prefix until the client goes away.
func (s *EventService) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(str(req, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *EventService) envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := anyValue(evt.Payload)
	if err != nil {
		return nil, err
	}
	env, err := structpb.NewStruct(map[string]any{
		"event_id":            uuid.NewString(),
		"session":             s.sessionName,
		"kind":                evt.Kind,
		"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	env.Fields["payload"] = payload
	return env, nil
}
