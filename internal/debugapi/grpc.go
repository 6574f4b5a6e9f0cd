package debugapi

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/observability"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "pdpd.debug.v1.DataDebug"

const (
	methodListConnections     = "/" + ServiceName + "/ListConnections"
	methodListRequestContexts = "/" + ServiceName + "/ListRequestContexts"
	methodGetDataAllowed      = "/" + ServiceName + "/GetDataAllowed"
	methodTriggerRecovery     = "/" + ServiceName + "/TriggerRecovery"
)

// DataDebugServer is the server API of the debug service. Payloads are
// structpb documents so the service needs no generated message types.
type DataDebugServer interface {
	ListConnections(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRequestContexts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetDataAllowed reads "apn_type" and an optional "transport".
	GetDataAllowed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerRecovery(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterDataDebugServer registers srv on s.
func RegisterDataDebugServer(s grpc.ServiceRegistrar, srv DataDebugServer) {
	s.RegisterService(&dataDebugServiceDesc, srv)
}

var dataDebugServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DataDebugServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListConnections", Handler: listConnectionsHandler},
		{MethodName: "ListRequestContexts", Handler: listRequestContextsHandler},
		{MethodName: "GetDataAllowed", Handler: getDataAllowedHandler},
		{MethodName: "TriggerRecovery", Handler: triggerRecoveryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pdpd/debug/v1/debug.proto",
}

func listConnectionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataDebugServer).ListConnections(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListConnections}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DataDebugServer).ListConnections(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listRequestContextsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataDebugServer).ListRequestContexts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListRequestContexts}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DataDebugServer).ListRequestContexts(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getDataAllowedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataDebugServer).GetDataAllowed(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetDataAllowed}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DataDebugServer).GetDataAllowed(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func triggerRecoveryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataDebugServer).TriggerRecovery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTriggerRecovery}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DataDebugServer).TriggerRecovery(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCService adapts a Service to DataDebugServer.
type GRPCService struct {
	svc *Service
}

var _ DataDebugServer = (*GRPCService)(nil)

func NewGRPCService(svc *Service) *GRPCService { return &GRPCService{svc: svc} }

func (g *GRPCService) ListConnections(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	view, err := g.svc.Connections(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(view)
}

func (g *GRPCService) ListRequestContexts(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	view, err := g.svc.Contexts(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(view)
}

func (g *GRPCService) GetDataAllowed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	view, err := g.svc.DataAllowed(ctx, fields["apn_type"].GetStringValue(), fields["transport"].GetStringValue())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(view)
}

func (g *GRPCService) TriggerRecovery(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := g.svc.TriggerRecovery(ctx); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// toStruct converts a JSON-tagged view into a structpb document.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ToStatusError(err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return s, nil
}

// NewGRPCServer builds the debug gRPC server with tracing, request-id and
// metrics instrumentation. collector may be nil.
func NewGRPCServer(svc *Service, collector *observability.DataCallCollector, log logging.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logging.Noop()
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	}
	server := grpc.NewServer(append(base, opts...)...)
	RegisterDataDebugServer(server, NewGRPCService(svc))
	return server
}

// Client is a typed client for the debug service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) ListConnections(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListConnections, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListRequestContexts(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListRequestContexts, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDataAllowed(ctx context.Context, apnType, transport string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"apn_type": apnType, "transport": transport})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetDataAllowed, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TriggerRecovery(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, methodTriggerRecovery, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
