package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "focussync.v1.Control"

// Unary method names.
const (
	MethodGetStatus            = "GetStatus"
	MethodEnable               = "Enable"
	MethodDisable              = "Disable"
	MethodSetRealtime          = "SetRealtime"
	MethodSetToken             = "SetToken"
	MethodListChats            = "ListChats"
	MethodListMessages         = "ListMessages"
	MethodSendText             = "SendText"
	MethodSendVoice            = "SendVoice"
	MethodRetrySend            = "RetrySend"
	MethodReact                = "React"
	MethodMarkRead             = "MarkRead"
	MethodCreateGroup          = "CreateGroup"
	MethodCreateDirect         = "CreateDirect"
	MethodJoinByCode           = "JoinByCode"
	MethodInviteQR             = "InviteQR"
	MethodSendFriendRequest    = "SendFriendRequest"
	MethodResolveFriendRequest = "ResolveFriendRequest"
	MethodListFriends          = "ListFriends"
	MethodPresence             = "Presence"
)

// MethodWatch is the server-streaming event feed.
const MethodWatch = "Watch"

// ControlServer is the daemon side of the control service. Every message is a
// structpb.Struct; field names are documented on the implementing methods.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Enable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRealtime(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendVoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetrySend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateDirect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JoinByCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InviteQR(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendFriendRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveFriendRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFriends(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Presence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ControlServiceDesc describes the service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodEnable, ControlServer.Enable),
		unary(MethodDisable, ControlServer.Disable),
		unary(MethodSetRealtime, ControlServer.SetRealtime),
		unary(MethodSetToken, ControlServer.SetToken),
		unary(MethodListChats, ControlServer.ListChats),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodSendVoice, ControlServer.SendVoice),
		unary(MethodRetrySend, ControlServer.RetrySend),
		unary(MethodReact, ControlServer.React),
		unary(MethodMarkRead, ControlServer.MarkRead),
		unary(MethodCreateGroup, ControlServer.CreateGroup),
		unary(MethodCreateDirect, ControlServer.CreateDirect),
		unary(MethodJoinByCode, ControlServer.JoinByCode),
		unary(MethodInviteQR, ControlServer.InviteQR),
		unary(MethodSendFriendRequest, ControlServer.SendFriendRequest),
		unary(MethodResolveFriendRequest, ControlServer.ResolveFriendRequest),
		unary(MethodListFriends, ControlServer.ListFriends),
		unary(MethodPresence, ControlServer.Presence),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
