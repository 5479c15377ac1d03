//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	api "github.com/oshokin/fabric-provisioner/internal/api/grpc/provisioning"
	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
	"github.com/oshokin/fabric-provisioner/internal/version"
)

// Client wraps a connection to the provisioning service with typed helpers.
type Client struct {
	// conn is the underlying gRPC connection to the provisioning server.
	conn *grpc.ClientConn
	// actor is attached to every call for the server's audit log.
	actor api.Actor

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithActor names the caller in call metadata.
func WithActor(actor api.Actor) Option {
	return func(c *Client) {
		c.actor = actor
	}
}

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errLayoutRequired is returned when a build is requested without a layout tag.
	errLayoutRequired = errors.New("layout tag must be provided")
)

// Dial creates a client for the provisioning server at address.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent("provisionerctl")),
	)
	if err != nil {
		return nil, fmt.Errorf("dial provisioning server: %w", err)
	}

	client := &Client{
		conn:        conn,
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// BuildApplicationType builds the layout staged under layoutTag.
func (c *Client) BuildApplicationType(ctx context.Context, layoutTag string, ignoreConflict bool) (apptype.TypeVersion, error) {
	if layoutTag == "" {
		return apptype.TypeVersion{}, errLayoutRequired
	}

	out, err := c.invoke(ctx, api.MethodBuildApplicationType, map[string]any{
		api.FieldLayoutTag:      layoutTag,
		api.FieldIgnoreConflict: ignoreConflict,
	})
	if err != nil {
		return apptype.TypeVersion{}, err
	}

	return apptype.TypeVersion{
		Name:    api.String(out, api.FieldApplicationTypeName),
		Version: api.String(out, api.FieldApplicationTypeVersion),
	}, nil
}

// ResolveVersion reads the fabric version of staged artifacts.
func (c *Client) ResolveVersion(ctx context.Context, codeTag, configTag string) (fabric.Version, error) {
	out, err := c.invoke(ctx, api.MethodResolveVersion, map[string]any{
		api.FieldCodeTag:   codeTag,
		api.FieldConfigTag: configTag,
	})
	if err != nil {
		return fabric.Version{}, err
	}

	return versionOf(out), nil
}

// Provision publishes staged artifacts as a release.
func (c *Client) Provision(ctx context.Context, codeTag, configTag, infrastructureTag string) (fabric.Version, error) {
	out, err := c.invoke(ctx, api.MethodProvisionFabric, map[string]any{
		api.FieldCodeTag:           codeTag,
		api.FieldConfigTag:         configTag,
		api.FieldInfrastructureTag: infrastructureTag,
	})
	if err != nil {
		return fabric.Version{}, err
	}

	return versionOf(out), nil
}

// Upgrade moves the cluster from current to target.
func (c *Client) Upgrade(ctx context.Context, current, target fabric.Version) error {
	_, err := c.invoke(ctx, api.MethodUpgradeFabric, map[string]any{
		api.FieldCurrent: current.String(),
		api.FieldTarget:  target.String(),
	})

	return err
}

// Unprovision removes a provisioned version.
func (c *Client) Unprovision(ctx context.Context, v fabric.Version) error {
	_, err := c.invoke(ctx, api.MethodUnprovisionFabric, map[string]any{
		api.FieldVersion: v.String(),
	})

	return err
}

// ListVersions returns the server's version registry.
func (c *Client) ListVersions(ctx context.Context) (*registry.Index, error) {
	out, err := c.invoke(ctx, api.MethodListFabricVersions, nil)
	if err != nil {
		return nil, err
	}

	return api.ParseIndex(out)
}

// invoke sends one unary call; status errors come back as typed errors.
func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := api.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if c.actor != (api.Actor{}) {
		callCtx = c.actor.OutgoingContext(callCtx)
	}

	out := new(structpb.Struct)
	if err = c.conn.Invoke(callCtx, api.FullMethod(method), in, out); err != nil {
		return nil, api.FromStatus(method, err)
	}

	return out, nil
}

func versionOf(out *structpb.Struct) fabric.Version {
	return fabric.Version{
		Code:   api.String(out, api.FieldCodeVersion),
		Config: api.String(out, api.FieldConfigVersion),
	}
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
