package provisioning

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
)

// fakeService implements Service for unit testing the transport.
type fakeService struct {
	// upgradeErr is returned by Upgrade.
	upgradeErr error
	// upgraded records the last Upgrade arguments.
	upgraded [2]fabric.Version
	// actor is the caller seen by the last Provision.
	actor Actor
}

func (f *fakeService) BuildApplicationType(_ context.Context, layout string, ignore bool) (apptype.TypeVersion, error) {
	if !ignore {
		return apptype.TypeVersion{}, errkind.New(errkind.KindConflict, "build", layout, "packages changed")
	}

	return apptype.TypeVersion{Name: "Calc", Version: "1.0"}, nil
}

func (f *fakeService) ResolveVersion(_ context.Context, code, config string) (fabric.Version, error) {
	if code == "Staging/missing" {
		return fabric.Version{}, errkind.New(errkind.KindNotFound, "download", code, "tag does not exist")
	}

	return fabric.Version{Code: "1.0.0.0", Config: config}, nil
}

func (f *fakeService) Provision(ctx context.Context, _, _, _ string) (fabric.Version, error) {
	f.actor = ActorFromIncoming(ctx)

	return fabric.Version{Code: "1.0.0.0", Config: "1"}, nil
}

func (f *fakeService) Upgrade(_ context.Context, current, target fabric.Version) error {
	f.upgraded = [2]fabric.Version{current, target}

	return f.upgradeErr
}

func (f *fakeService) Unprovision(context.Context, fabric.Version) error {
	return errkind.New(errkind.KindTransient, "acquire", ".ops/provision", "lease is held")
}

func (f *fakeService) ListVersions(context.Context) (*registry.Index, error) {
	current := fabric.Version{Code: "1.0.0.0", Config: "1"}

	return &registry.Index{
		Current: &current,
		Versions: []*fabric.Record{{
			Version:       current,
			State:         fabric.StateProvisioned,
			CodeTag:       "Release/Fabric.1.0.0.0",
			ProvisionedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			UpdatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
	}, nil
}

// dial serves svc over an in-memory listener.
func dial(t *testing.T, svc Service) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewServer(svc))

	go func() {
		_ = srv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
	})

	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()

	in, err := structpb.NewStruct(fields)
	require.NoError(t, err)

	out := new(structpb.Struct)
	err = conn.Invoke(ctx, FullMethod(method), in, out)

	return out, FromStatus(method, err)
}

// TestServer_Roundtrip verifies every method over a real gRPC connection.
func TestServer_Roundtrip(t *testing.T) {
	t.Parallel()

	svc := new(fakeService)
	conn := dial(t, svc)
	ctx := Actor{Hostname: "node-1", Username: "ops"}.OutgoingContext(context.Background())

	out, err := call(t, conn, ctx, MethodBuildApplicationType, map[string]any{
		FieldLayoutTag: "Staging/calc", FieldIgnoreConflict: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Calc", String(out, FieldApplicationTypeName))

	out, err = call(t, conn, ctx, MethodResolveVersion, map[string]any{FieldConfigTag: "2"})
	require.NoError(t, err)
	require.Equal(t, "1.0.0.0:2", String(out, FieldVersion))

	_, err = call(t, conn, ctx, MethodProvisionFabric, map[string]any{FieldCodeTag: "Staging/code"})
	require.NoError(t, err)
	require.Equal(t, Actor{Hostname: "node-1", Username: "ops"}, svc.actor)

	_, err = call(t, conn, ctx, MethodUpgradeFabric, map[string]any{
		FieldCurrent: "1.0.0.0:1", FieldTarget: "2.0.0.0:1",
	})
	require.NoError(t, err)
	require.Equal(t, "2.0.0.0:1", svc.upgraded[1].String())

	out, err = call(t, conn, ctx, MethodListFabricVersions, nil)
	require.NoError(t, err)

	idx, err := ParseIndex(out)
	require.NoError(t, err)
	require.Equal(t, "1.0.0.0:1", idx.Current.String())
	require.Len(t, idx.Versions, 1)
	require.Equal(t, fabric.StateProvisioned, idx.Versions[0].State)
	require.Equal(t, 2026, idx.Versions[0].ProvisionedAt.Year())
}

// TestServer_ErrorKinds verifies kinds survive the wire, including retryability.
func TestServer_ErrorKinds(t *testing.T) {
	t.Parallel()

	svc := &fakeService{upgradeErr: errkind.New(errkind.KindValidation, "", "", "The change in X is not allowed.")}
	conn := dial(t, svc)
	ctx := context.Background()

	_, err := call(t, conn, ctx, MethodBuildApplicationType, map[string]any{FieldLayoutTag: "Staging/calc"})
	require.ErrorIs(t, err, errkind.ErrConflict)

	_, err = call(t, conn, ctx, MethodResolveVersion, map[string]any{FieldCodeTag: "Staging/missing"})
	require.ErrorIs(t, err, errkind.ErrNotFound)

	_, err = call(t, conn, ctx, MethodUpgradeFabric, map[string]any{FieldCurrent: "1:1", FieldTarget: "2:2"})
	require.ErrorIs(t, err, errkind.ErrValidation)
	require.ErrorContains(t, err, "The change in X is not allowed.")

	_, err = call(t, conn, ctx, MethodUnprovisionFabric, map[string]any{FieldVersion: "1:1"})
	require.ErrorIs(t, err, errkind.ErrTransient)
	require.True(t, errkind.IsRetryable(err))

	_, err = call(t, conn, ctx, MethodUnprovisionFabric, nil)
	require.ErrorIs(t, err, errkind.ErrValidation)
	require.False(t, errkind.IsRetryable(err))
}

// TestStatusMapping verifies every kind maps to a code and back.
func TestStatusMapping(t *testing.T) {
	t.Parallel()

	for _, kind := range []errkind.Kind{
		errkind.KindFatal, errkind.KindTimeout, errkind.KindTransient, errkind.KindNotFound,
		errkind.KindConflict, errkind.KindValidation, errkind.KindInvalidArtifact,
	} {
		err := ToStatus(errkind.New(kind, "op", "subject", "boom"))
		require.Equal(t, CodeOf(kind), status.Code(err))
		require.Equal(t, kind, errkind.KindOf(FromStatus("op", err)))
	}

	require.Equal(t, codes.Canceled, status.Code(ToStatus(context.Canceled)))
	require.NoError(t, ToStatus(nil))
	require.NoError(t, FromStatus("op", nil))
}
