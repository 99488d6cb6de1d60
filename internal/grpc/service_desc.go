package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名.
const ServiceName = "freelancechat.chat.v1.ChatService"

// 完整方法名稱，供攔截器與客戶端使用.
const (
	MethodSendMessage         = "/" + ServiceName + "/SendMessage"
	MethodMarkRead            = "/" + ServiceName + "/MarkRead"
	MethodGetConversationKey  = "/" + ServiceName + "/GetConversationKey"
	MethodListConversations   = "/" + ServiceName + "/ListConversations"
	MethodFetchConversation   = "/" + ServiceName + "/FetchConversation"
	MethodStreamConversations = "/" + ServiceName + "/StreamConversations"
	MethodStreamMessages      = "/" + ServiceName + "/StreamMessages"
)

// ChatServiceServer 私訊 gRPC 服務；請求與回應都是 structpb.Struct.
type ChatServiceServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConversationKey(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamConversations(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	StreamMessages(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterChatServiceServer 註冊服務實作.
func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

type unaryCall func(srv ChatServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ChatServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ChatServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type streamCall func(srv ChatServiceServer, in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error

func serverStreamHandler(call streamCall) grpc.StreamHandler {
	return func(srv interface{}, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return call(srv.(ChatServiceServer), in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
	}
}

// ChatServiceDesc 服務描述.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendMessage",
			Handler: unaryHandler(MethodSendMessage, func(srv ChatServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.SendMessage(ctx, in)
			}),
		},
		{
			MethodName: "MarkRead",
			Handler: unaryHandler(MethodMarkRead, func(srv ChatServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.MarkRead(ctx, in)
			}),
		},
		{
			MethodName: "GetConversationKey",
			Handler: unaryHandler(MethodGetConversationKey, func(srv ChatServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.GetConversationKey(ctx, in)
			}),
		},
		{
			MethodName: "ListConversations",
			Handler: unaryHandler(MethodListConversations, func(srv ChatServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.ListConversations(ctx, in)
			}),
		},
		{
			MethodName: "FetchConversation",
			Handler: unaryHandler(MethodFetchConversation, func(srv ChatServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.FetchConversation(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "StreamConversations",
			Handler: serverStreamHandler(func(srv ChatServiceServer, in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
				return srv.StreamConversations(in, stream)
			}),
			ServerStreams: true,
		},
		{
			StreamName: "StreamMessages",
			Handler: serverStreamHandler(func(srv ChatServiceServer, in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
				return srv.StreamMessages(in, stream)
			}),
			ServerStreams: true,
		},
	},
	Metadata: "freelancechat/chat/v1/chat.proto",
}

// ChatServiceClient 底層客戶端；grpcclient 在其上提供領域型別.
type ChatServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewChatServiceClient 創建客戶端.
func NewChatServiceClient(cc grpc.ClientConnInterface) *ChatServiceClient {
	return &ChatServiceClient{cc: cc}
}

// Invoke 呼叫 unary 方法.
func (c *ChatServiceClient) Invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Stream 開啟 server streaming 方法.
func (c *ChatServiceClient) Stream(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	desc := &ChatServiceDesc.Streams[0]
	if method == MethodStreamMessages {
		desc = &ChatServiceDesc.Streams[1]
	}
	stream, err := c.cc.NewStream(ctx, desc, method, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
