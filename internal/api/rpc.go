// Package api exposes the session daemon to the presentation layer over
// gRPC. Payloads are structpb.Struct documents so the host needs no
// generated stubs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/vksync/internal/outbox"
	"github.com/matheus3301/vksync/internal/roster"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names.
const (
	SessionServiceName = "vksync.v1.SessionService"
	RosterServiceName  = "vksync.v1.RosterService"
	MessageServiceName = "vksync.v1.MessageService"
	EventServiceName   = "vksync.v1.EventService"
)

// Method returns the full method path used on the wire.
func Method(service, name string) string {
	return "/" + service + "/" + name
}

// Service is implemented by every service in this package.
type Service interface {
	Desc() *grpc.ServiceDesc
}

// Register registers services on s.
func Register(s grpc.ServiceRegistrar, services ...Service) {
	for _, svc := range services {
		s.RegisterService(svc.Desc(), svc)
	}
}

type unaryFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(service, name string, fn unaryFunc) grpc.MethodDesc {
	info := &grpc.UnaryServerInfo{FullMethod: Method(service, name)}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(ctx, in)
			}
			info := *info
			info.Server = srv
			return interceptor(ctx, in, &info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*structpb.Struct))
			})
		},
	}
}

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func num(req *structpb.Struct, key string) int64 {
	return int64(req.GetFields()[key].GetNumberValue())
}

func boolean(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func strs(req *structpb.Struct, key string) []string {
	var out []string
	for _, v := range req.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// peer reads a peer given either as a number or in its string form.
func peer(req *structpb.Struct, key string) (vk.PeerID, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
		if n := int64(v.GetNumberValue()); n > 0 {
			return vk.PeerID(n), nil
		}
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "invalid %s", key)
	}
	p, err := vk.ParsePeer(v.GetStringValue())
	if err != nil {
		return 0, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return p, nil
}

func ids(in []int64) []any {
	out := make([]any, len(in))
	for i, id := range in {
		out[i] = id
	}
	return out
}

func result(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// anyValue converts an arbitrary Go value to a structpb.Value through its
// JSON form.
func anyValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Value)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// rpcError maps a domain error to a gRPC status.
func rpcError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, roster.ErrUnknownKind), errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, roster.ErrNotShown):
		code = codes.NotFound
	case errors.Is(err, store.ErrNoCaptcha):
		code = codes.FailedPrecondition
	default:
		switch vk.KindOf(err) {
		case vk.KindAuthExpired:
			code = codes.Unauthenticated
		case vk.KindCaptchaRequired, vk.KindValidationRequired:
			code = codes.FailedPrecondition
		case vk.KindNetwork, vk.KindServerFault:
			code = codes.Unavailable
		case vk.KindRequestTooLarge:
			code = codes.InvalidArgument
		}
	}
	return grpcstatus.Error(code, fmt.Sprintf("%s: %v", op, err))
}
