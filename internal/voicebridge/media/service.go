// Package media is the client side of the media-server control protocol.
//
// The protocol is a small gRPC service whose messages are
// google.protobuf.Struct values, so no generated code is required on
// either side. Each endpoint is bridged to exactly one call leg.
package media

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. It is also the
// service name reported through the gRPC health protocol.
const ServiceName = "voicebridge.media.v1.MediaService"

const (
	methodCreateEndpoint  = "/" + ServiceName + "/CreateEndpoint"
	methodDestroyEndpoint = "/" + ServiceName + "/DestroyEndpoint"
	methodPlay            = "/" + ServiceName + "/Play"
	methodSpeak           = "/" + ServiceName + "/Speak"
	methodStartFeature    = "/" + ServiceName + "/StartFeature"
	methodStopFeature     = "/" + ServiceName + "/StopFeature"
	methodEvents          = "/" + ServiceName + "/Events"
)

// Server is implemented by a media server. Requests and responses use the
// field names documented on each method.
type Server interface {
	// CreateEndpoint: {call_id, remote_sdp} -> {endpoint_id, local_sdp}
	CreateEndpoint(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// DestroyEndpoint: {endpoint_id} -> {}
	DestroyEndpoint(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// Play: {endpoint_id, source} -> {} once playback has finished
	Play(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// Speak: {endpoint_id, engine, voice, text} -> {} once the prompt has played
	Speak(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// StartFeature: {endpoint_id, name, args[]} -> {}
	StartFeature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// StopFeature: {endpoint_id, name} -> {}
	StopFeature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// Events: {endpoint_id} -> stream of {name, body}. The stream ends when
	// the endpoint is gone.
	Events(req *structpb.Struct, stream grpc.ServerStream) error
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler(call func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Server), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Server).Events(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateEndpoint", Handler: unaryHandler(Server.CreateEndpoint, methodCreateEndpoint)},
		{MethodName: "DestroyEndpoint", Handler: unaryHandler(Server.DestroyEndpoint, methodDestroyEndpoint)},
		{MethodName: "Play", Handler: unaryHandler(Server.Play, methodPlay)},
		{MethodName: "Speak", Handler: unaryHandler(Server.Speak, methodSpeak)},
		{MethodName: "StartFeature", Handler: unaryHandler(Server.StartFeature, methodStartFeature)},
		{MethodName: "StopFeature", Handler: unaryHandler(Server.StopFeature, methodStopFeature)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "voicebridge/media/v1/media.proto",
}

var eventsStreamDesc = serviceDesc.Streams[0]
