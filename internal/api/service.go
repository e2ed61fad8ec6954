package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "inbox.v1.ConversationService"

// ConversationServer is the daemon side of the conversation service.
type ConversationServer interface {
	List(context.Context, *ListRequest) (*ListResponse, error)
	LoadMore(context.Context, *LoadMoreRequest) (*LoadMoreResponse, error)
	Reload(context.Context, *ReloadRequest) (*ListResponse, error)
	Mutate(context.Context, *MutateRequest) (*MutateResponse, error)
	Select(context.Context, *SelectRequest) (*SelectResponse, error)
	ApplyBatch(context.Context, *ApplyBatchRequest) (*ApplyBatchResponse, error)
	RetryWrite(context.Context, *RetryWriteRequest) (*MutateResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[WatchEvent]) error
}

// ServiceDesc describes ConversationServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("List", ConversationServer.List),
		unary("LoadMore", ConversationServer.LoadMore),
		unary("Reload", ConversationServer.Reload),
		unary("Mutate", ConversationServer.Mutate),
		unary("Select", ConversationServer.Select),
		unary("ApplyBatch", ConversationServer.ApplyBatch),
		unary("RetryWrite", ConversationServer.RetryWrite),
		unary("Status", ConversationServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "inbox/v1/conversation",
}

// RegisterConversationServer attaches srv to s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ConversationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ConversationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConversationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConversationServer).Watch(in, &grpc.GenericServerStream[WatchRequest, WatchEvent]{ServerStream: stream})
}
