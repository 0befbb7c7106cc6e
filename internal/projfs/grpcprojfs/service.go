package grpcprojfs

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The Handler service is described with well-known protobuf types only, so
// no generated code is needed:
//
//	service Handler {
//	  // Daemon sends requests, the remote handler sends responses.
//	  rpc Events(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue);
//	  rpc ResetProjection(google.protobuf.StringValue) returns (google.protobuf.Empty);
//	}
const serviceName = "projfs.Handler"

// HandlerServer is the server API for the Handler service.
type HandlerServer interface {
	Events(Handler_EventsServer) error
	ResetProjection(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// UnimplementedHandlerServer can be embedded to have forward compatible
// implementations.
type UnimplementedHandlerServer struct{}

func (UnimplementedHandlerServer) Events(Handler_EventsServer) error {
	return status.Errorf(codes.Unimplemented, "method Events not implemented")
}

func (UnimplementedHandlerServer) ResetProjection(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ResetProjection not implemented")
}

// RegisterHandlerServer registers srv on s.
func RegisterHandlerServer(s grpc.ServiceRegistrar, srv HandlerServer) {
	s.RegisterService(&Handler_ServiceDesc, srv)
}

// Handler_ServiceDesc is the grpc.ServiceDesc for the Handler service.
var Handler_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HandlerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ResetProjection",
			Handler:    _Handler_ResetProjection_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       _Handler_Events_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "projfs.proto",
}

func _Handler_ResetProjection_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HandlerServer).ResetProjection(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/ResetProjection",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HandlerServer).ResetProjection(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Handler_Events_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(HandlerServer).Events(&handlerEventsServer{stream})
}

// Handler_EventsServer is the daemon side of the Events stream.
type Handler_EventsServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type handlerEventsServer struct {
	grpc.ServerStream
}

func (x *handlerEventsServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *handlerEventsServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// HandlerClient is the client API for the Handler service.
type HandlerClient interface {
	Events(ctx context.Context, opts ...grpc.CallOption) (Handler_EventsClient, error)
	ResetProjection(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type handlerClient struct {
	cc grpc.ClientConnInterface
}

// NewHandlerClient returns a HandlerClient using cc.
func NewHandlerClient(cc grpc.ClientConnInterface) HandlerClient {
	return &handlerClient{cc}
}

func (c *handlerClient) Events(ctx context.Context, opts ...grpc.CallOption) (Handler_EventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &Handler_ServiceDesc.Streams[0], "/"+serviceName+"/Events", opts...)
	if err != nil {
		return nil, err
	}
	return &handlerEventsClient{stream}, nil
}

func (c *handlerClient) ResetProjection(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ResetProjection", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Handler_EventsClient is the remote handler side of the Events stream.
type Handler_EventsClient interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type handlerEventsClient struct {
	grpc.ClientStream
}

func (x *handlerEventsClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *handlerEventsClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
