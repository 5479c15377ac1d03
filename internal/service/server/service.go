package server

import (
	"context"

	api "github.com/oshokin/fabric-provisioner/internal/api/grpc/provisioning"
	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
	"github.com/oshokin/fabric-provisioner/internal/service/builder"
	"github.com/oshokin/fabric-provisioner/internal/service/provision"
)

// service adapts the builder and the provisioning pipeline to the transport.
// It is unexported to keep the transport decoupled from the implementation.
type service struct {
	// builder publishes application types from layouts staged in the store.
	builder *builder.Builder
	// pipeline resolves, provisions and upgrades fabric versions.
	pipeline *provision.Pipeline
}

var _ api.Service = (*service)(nil)

// newService creates a service over the given builder and pipeline.
func newService(b *builder.Builder, p *provision.Pipeline) *service {
	return &service{builder: b, pipeline: p}
}

// BuildApplicationType downloads the staged layout and publishes it.
func (s *service) BuildApplicationType(ctx context.Context, layoutTag string, ignoreConflict bool) (apptype.TypeVersion, error) {
	tv, err := s.builder.BuildFromStore(ctx, layoutTag, ignoreConflict)
	if err != nil {
		return apptype.TypeVersion{}, err
	}

	logger.InfoKV(ctx, "Application type built", "application_type", tv.String(), "layout", layoutTag,
		"actor", api.ActorFromIncoming(ctx))

	return tv, nil
}

func (s *service) ResolveVersion(ctx context.Context, codeTag, configTag string) (fabric.Version, error) {
	return s.pipeline.ResolveVersion(ctx, codeTag, configTag)
}

func (s *service) Provision(ctx context.Context, codeTag, configTag, infrastructureTag string) (fabric.Version, error) {
	return s.pipeline.Provision(ctx, codeTag, configTag, infrastructureTag)
}

func (s *service) Upgrade(ctx context.Context, current, target fabric.Version) error {
	return s.pipeline.Upgrade(ctx, current, target)
}

func (s *service) Unprovision(ctx context.Context, v fabric.Version) error {
	return s.pipeline.Unprovision(ctx, v)
}

func (s *service) ListVersions(ctx context.Context) (*registry.Index, error) {
	return s.pipeline.ListVersions(ctx)
}
