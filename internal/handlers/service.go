package handlers

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// structMethod is a unary RPC whose request and response are google.protobuf.Struct
type structMethod func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// structMethodDesc adapts a structMethod to a grpc.MethodDesc, running the
// server's unary interceptor chain like generated code does
func structMethodDesc(service, name string, call structMethod) grpc.MethodDesc {
	fullMethod := FullMethod(service, name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod returns the full gRPC method name of a service method
func FullMethod(service, name string) string {
	return "/" + service + "/" + name
}
