package grpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

const (
	serviceName   = "zephyr.cluster.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"
)

type empty struct{}

// deliverer is the server side of the Deliver RPC.
type deliverer interface {
	Deliver(ctx context.Context, msg *transport.Message) (*empty, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverer).Deliver(ctx, req.(*transport.Message))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zephyr/cluster/transport",
}
