package provisioning

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "provisioner.v1.ProvisioningService"

// Method names.
const (
	MethodBuildApplicationType = "BuildApplicationType"
	MethodResolveVersion       = "ResolveVersion"
	MethodProvisionFabric      = "ProvisionFabric"
	MethodUpgradeFabric        = "UpgradeFabric"
	MethodUnprovisionFabric    = "UnprovisionFabric"
	MethodListFabricVersions   = "ListFabricVersions"
)

// FullMethod returns the "/service/method" path used on the wire.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Handler is the server side of the service. Every message is a google.protobuf.Struct.
type Handler interface {
	BuildApplicationType(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ResolveVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ProvisionFabric(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	UpgradeFabric(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	UnprovisionFabric(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListFabricVersions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(h Handler, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes the service for grpc.ServiceRegistrar.
//
//nolint:gochecknoglobals // Service descriptors are package-level by gRPC convention.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodBuildApplicationType, Handler.BuildApplicationType),
		unary(MethodResolveVersion, Handler.ResolveVersion),
		unary(MethodProvisionFabric, Handler.ProvisionFabric),
		unary(MethodUpgradeFabric, Handler.UpgradeFabric),
		unary(MethodUnprovisionFabric, Handler.UnprovisionFabric),
		unary(MethodListFabricVersions, Handler.ListFabricVersions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "provisioner/v1/provisioning.proto",
}

// Register adds h to the gRPC server.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// unary adapts fn to the grpc.MethodDesc handler shape.
func unary(method string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			h, _ := srv.(Handler)

			if interceptor == nil {
				return fn(h, ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(method),
			}

			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				r, _ := req.(*structpb.Struct)

				return fn(h, ctx, r)
			})
		},
	}
}
