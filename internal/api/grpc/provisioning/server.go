package provisioning

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
)

// Service abstracts the business operations the transport layer depends on.
type Service interface {
	BuildApplicationType(ctx context.Context, layoutTag string, ignoreConflict bool) (apptype.TypeVersion, error)
	ResolveVersion(ctx context.Context, codeTag, configTag string) (fabric.Version, error)
	Provision(ctx context.Context, codeTag, configTag, infrastructureTag string) (fabric.Version, error)
	Upgrade(ctx context.Context, current, target fabric.Version) error
	Unprovision(ctx context.Context, v fabric.Version) error
	ListVersions(ctx context.Context) (*registry.Index, error)
}

// Server implements Handler on top of a Service.
type Server struct {
	// service provides the provisioning operations.
	service Service
}

var _ Handler = (*Server)(nil)

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// BuildApplicationType builds the layout staged under layout_tag.
func (s *Server) BuildApplicationType(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	layout := String(in, FieldLayoutTag)
	if layout == "" {
		return nil, ToStatus(required(FieldLayoutTag))
	}

	tv, err := s.service.BuildApplicationType(ctx, layout, Bool(in, FieldIgnoreConflict))
	if err != nil {
		return nil, ToStatus(err)
	}

	return reply(typeVersionMessage(tv))
}

// ResolveVersion reads the fabric version of staged artifacts.
func (s *Server) ResolveVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.service.ResolveVersion(ctx, String(in, FieldCodeTag), String(in, FieldConfigTag))
	if err != nil {
		return nil, ToStatus(err)
	}

	return reply(versionMessage(v))
}

// ProvisionFabric publishes staged artifacts as a release.
func (s *Server) ProvisionFabric(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.service.Provision(ctx,
		String(in, FieldCodeTag), String(in, FieldConfigTag), String(in, FieldInfrastructureTag))
	if err != nil {
		return nil, ToStatus(err)
	}

	return reply(versionMessage(v))
}

// UpgradeFabric moves the cluster from current to target.
func (s *Server) UpgradeFabric(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	current, err := Version(in, FieldCurrent)
	if err != nil {
		return nil, ToStatus(err)
	}

	target, err := Version(in, FieldTarget)
	if err != nil {
		return nil, ToStatus(err)
	}

	if err = s.service.Upgrade(ctx, current, target); err != nil {
		return nil, ToStatus(err)
	}

	return reply(versionMessage(target))
}

// UnprovisionFabric removes a provisioned version.
func (s *Server) UnprovisionFabric(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := Version(in, FieldVersion)
	if err != nil {
		return nil, ToStatus(err)
	}

	if err = s.service.Unprovision(ctx, v); err != nil {
		return nil, ToStatus(err)
	}

	return &structpb.Struct{}, nil
}

// ListFabricVersions returns the registry.
func (s *Server) ListFabricVersions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	idx, err := s.service.ListVersions(ctx)
	if err != nil {
		return nil, ToStatus(err)
	}

	return reply(indexMessage(idx))
}

func required(field string) error {
	return errkind.New(errkind.KindValidation, "decode request", field, "field is required")
}

func reply(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, ToStatus(err)
	}

	return out, nil
}
