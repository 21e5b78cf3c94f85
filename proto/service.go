// Package proto declares the NetworkController streaming service shared by the
// controller and its nodes. Envelopes travel as google.protobuf.Struct frames,
// so the default gRPC proto codec carries them without generated stubs.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const (
	NetworkController_ServiceName           = "dsmutex.NetworkController"
	NetworkController_Stream_FullMethodName = "/dsmutex.NetworkController/Stream"
)

type NetworkControllerServer interface {
	Stream(NetworkController_StreamServer) error
}

// UnimplementedNetworkControllerServer can be embedded to satisfy the
// interface for servers that do not serve the stream.
type UnimplementedNetworkControllerServer struct{}

func (UnimplementedNetworkControllerServer) Stream(NetworkController_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

type NetworkController_StreamServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type NetworkController_StreamClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type NetworkControllerClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (NetworkController_StreamClient, error)
}

var NetworkController_ServiceDesc = grpc.ServiceDesc{
	ServiceName: NetworkController_ServiceName,
	HandlerType: (*NetworkControllerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _NetworkController_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "dsmutex/network.proto",
}

func RegisterNetworkControllerServer(s grpc.ServiceRegistrar, srv NetworkControllerServer) {
	s.RegisterService(&NetworkController_ServiceDesc, srv)
}

func _NetworkController_Stream_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(NetworkControllerServer).Stream(&networkControllerStreamServer{stream})
}

type networkControllerStreamServer struct {
	grpc.ServerStream
}

func (x *networkControllerStreamServer) Send(env *Envelope) error {
	return sendFrame(x.ServerStream, env)
}

func (x *networkControllerStreamServer) Recv() (*Envelope, error) {
	return recvFrame(x.ServerStream)
}

type networkControllerClient struct {
	cc grpc.ClientConnInterface
}

func NewNetworkControllerClient(cc grpc.ClientConnInterface) NetworkControllerClient {
	return &networkControllerClient{cc}
}

func (c *networkControllerClient) Stream(ctx context.Context, opts ...grpc.CallOption) (NetworkController_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &NetworkController_ServiceDesc.Streams[0], NetworkController_Stream_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &networkControllerStreamClient{stream}, nil
}

type networkControllerStreamClient struct {
	grpc.ClientStream
}

func (x *networkControllerStreamClient) Send(env *Envelope) error {
	return sendFrame(x.ClientStream, env)
}

func (x *networkControllerStreamClient) Recv() (*Envelope, error) {
	return recvFrame(x.ClientStream)
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

func sendFrame(s msgStream, env *Envelope) error {
	frame, err := env.ToStruct()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode envelope: %v", err)
	}
	return s.SendMsg(frame)
}

func recvFrame(s msgStream) (*Envelope, error) {
	frame := new(structpb.Struct)
	if err := s.RecvMsg(frame); err != nil {
		return nil, err
	}
	env, err := EnvelopeFromStruct(frame)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}
	return env, nil
}
