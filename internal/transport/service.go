package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "partx.ExchangeTransport"

// exchangeTransportServer is the server-side contract, in the shape
// protoc-gen-go-grpc would emit for a three-method unary service.
type exchangeTransportServer interface {
	SendSingleMessage(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	SendFullMessage(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	SendRestoreStateRequest(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func singleMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchangeTransportServer).SendSingleMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/SendSingleMessage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(exchangeTransportServer).SendSingleMessage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func fullMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchangeTransportServer).SendFullMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/SendFullMessage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(exchangeTransportServer).SendFullMessage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func restoreStateRequestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchangeTransportServer).SendRestoreStateRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/SendRestoreStateRequest"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(exchangeTransportServer).SendRestoreStateRequest(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendSingleMessage", Handler: singleMessageHandler},
		{MethodName: "SendFullMessage", Handler: fullMessageHandler},
		{MethodName: "SendRestoreStateRequest", Handler: restoreStateRequestHandler},
	},
}

// exchangeTransportClient is the client-side contract, in the shape
// protoc-gen-go-grpc would emit.
type exchangeTransportClient struct {
	cc grpc.ClientConnInterface
}

func newExchangeTransportClient(cc grpc.ClientConnInterface) *exchangeTransportClient {
	return &exchangeTransportClient{cc: cc}
}

func (c *exchangeTransportClient) SendSingleMessage(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, serviceName+"/SendSingleMessage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *exchangeTransportClient) SendFullMessage(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, serviceName+"/SendFullMessage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *exchangeTransportClient) SendRestoreStateRequest(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, serviceName+"/SendRestoreStateRequest", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
