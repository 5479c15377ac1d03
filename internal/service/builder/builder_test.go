package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/content/local"
	"github.com/oshokin/fabric-provisioner/internal/repository/fpcache"
	"github.com/oshokin/fabric-provisioner/internal/service/transfer"
)

const app = "Calc"

type pkgSpec struct {
	kind    apptype.PackageKind
	name    string
	version string
	body    string
	// omit leaves the package out of the layout so it must come from the store.
	omit bool
}

func code(version, body string) pkgSpec {
	return pkgSpec{kind: apptype.KindCode, name: "Code", version: version, body: body}
}

func config(version, body string) pkgSpec {
	return pkgSpec{kind: apptype.KindConfig, name: "Config", version: version, body: body}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// writeLayout stages an application with one service, Add, holding pkgs.
func writeLayout(t *testing.T, appVersion, serviceVersion string, pkgs ...pkgSpec) string {
	t.Helper()

	root := t.TempDir()

	writeFile(t, filepath.Join(root, apptype.ApplicationManifestFile), fmt.Sprintf(`
applicationTypeName: %s
applicationTypeVersion: "%s"
serviceManifestImports:
  - serviceManifestName: Add
    serviceManifestVersion: "%s"
`, app, appVersion, serviceVersion))

	groups := map[apptype.PackageKind][]string{}

	for _, p := range pkgs {
		groups[p.kind] = append(groups[p.kind], fmt.Sprintf("  - name: %s\n    version: \"%s\"\n", p.name, p.version))

		if !p.omit {
			writeFile(t, filepath.Join(root, "Add", p.name, "payload.bin"), p.body)
		}
	}

	manifest := fmt.Sprintf("name: Add\nversion: \"%s\"\ncodePackages:\n%s", serviceVersion,
		strings.Join(groups[apptype.KindCode], ""))
	if len(groups[apptype.KindConfig]) > 0 {
		manifest += "configPackages:\n" + strings.Join(groups[apptype.KindConfig], "")
	}

	writeFile(t, filepath.Join(root, "Add", apptype.ServiceManifestFile), manifest)

	return root
}

func newStore(t *testing.T) content.Store {
	t.Helper()

	backend, err := local.New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	return transfer.New(backend, transfer.Options{})
}

func newBuilder(t *testing.T, store content.Store, policy string) *Builder {
	t.Helper()

	cache, err := fpcache.OpenInMemory()
	require.NoError(t, err)

	t.Cleanup(func() { _ = cache.Close() })

	b, err := New(store, Options{Parallelism: 2, ConflictPolicy: policy, Cache: cache})
	require.NoError(t, err)

	return b
}

// backups lists the per-build backup folders left in the local store.
func backups(t *testing.T, store content.Store) []os.DirEntry {
	t.Helper()

	root := store.(*transfer.Coordinator).Backend().(*local.Store).Root()

	entries, err := os.ReadDir(filepath.Join(root, apptype.StorePrefix, app, ".backup"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	require.NoError(t, err)

	return entries
}

func readPayload(t *testing.T, store content.Store, tag string) string {
	t.Helper()

	dst := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, store.Download(context.Background(), tag, dst, content.AtomicCopy))

	data, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)

	return string(data)
}

// TestBuild_Publishes verifies every manifest, package and checksum lands under version-qualified tags.
func TestBuild_Publishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, "")

	layout := writeLayout(t, "1.0", "1.0", code("1.0", "A"), config("1.0", "cfg"))

	tv, err := b.Build(ctx, layout, false)
	require.NoError(t, err)
	require.Equal(t, "Calc:1.0", tv.String())

	for _, tag := range []string{
		apptype.ApplicationManifestTag(app, "1.0"),
		apptype.ServiceManifestTag(app, "Add", "1.0"),
		apptype.ChecksumTag(apptype.ServiceManifestTag(app, "Add", "1.0")),
		apptype.PackageTag(app, "Add", "Code", "1.0"),
		apptype.ChecksumTag(apptype.PackageTag(app, "Add", "Code", "1.0")),
		apptype.PackageTag(app, "Add", "Config", "1.0"),
	} {
		ok, err := store.Exists(ctx, tag)
		require.NoError(t, err)
		require.True(t, ok, tag)
	}

	want, err := content.Describe(ctx, filepath.Join(layout, "Add", "Code"))
	require.NoError(t, err)

	got, err := content.ReadFile(ctx, store, apptype.ChecksumTag(apptype.PackageTag(app, "Add", "Code", "1.0")))
	require.NoError(t, err)
	require.Equal(t, want.Digest, string(got))

	// Rebuilding the identical layout is an idempotent success.
	_, err = b.Build(ctx, layout, false)
	require.NoError(t, err)
}

// TestBuild_ConflictingPackage verifies a reused package version with new content fails strict builds and wins
// when conflicts are ignored.
func TestBuild_ConflictingPackage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, PolicyLatestWins)

	_, err := b.Build(ctx, writeLayout(t, "1.0", "1.0", code("1.0", "A"), config("1.0", "c1")), false)
	require.NoError(t, err)

	next := writeLayout(t, "2.0", "2.0", code("1.0", "B"), config("1.0", "c2"))

	_, err = b.Build(ctx, next, false)
	require.ErrorIs(t, err, errkind.ErrConflict)
	require.False(t, errkind.IsRetryable(err))
	require.Contains(t, err.Error(), "Add.Code.1.0")
	require.Contains(t, err.Error(), "Add.Config.1.0")

	var conflict apptype.Conflict
	require.True(t, errors.As(err, &conflict))
	require.NotEqual(t, conflict.Previous, conflict.Fingerprint)

	ok, err := store.Exists(ctx, apptype.ApplicationManifestTag(app, "2.0"))
	require.NoError(t, err)
	require.False(t, ok, "strict conflict must publish nothing")
	require.Equal(t, "A", readPayload(t, store, apptype.PackageTag(app, "Add", "Code", "1.0")))

	tv, err := b.Build(ctx, next, true)
	require.NoError(t, err)
	require.Equal(t, "Calc:2.0", tv.String())
	require.Equal(t, "B", readPayload(t, store, apptype.PackageTag(app, "Add", "Code", "1.0")))

	ok, err = store.Exists(ctx, apptype.ApplicationManifestTag(app, "1.0"))
	require.NoError(t, err)
	require.True(t, ok)

	require.Empty(t, backups(t, store), "backups are removed after a successful build")
}

// TestBuild_RejectPolicy verifies the reject policy refuses divergence even when conflicts are ignored.
func TestBuild_RejectPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, PolicyReject)

	_, err := b.Build(ctx, writeLayout(t, "1.0", "1.0", code("1.0", "A")), false)
	require.NoError(t, err)

	_, err = b.Build(ctx, writeLayout(t, "2.0", "2.0", code("1.0", "B")), true)
	require.ErrorIs(t, err, errkind.ErrConflict)
	require.Contains(t, err.Error(), "conflict policy is reject")

	_, err = New(store, Options{ConflictPolicy: "coin-flip"})
	require.ErrorIs(t, err, errUnknownPolicy)
}

// TestBuild_ApplicationVersionConflict verifies an application type version cannot be republished with other
// content in strict mode.
func TestBuild_ApplicationVersionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, "")

	_, err := b.Build(ctx, writeLayout(t, "1.0", "1.0", code("1.0", "A")), false)
	require.NoError(t, err)

	_, err = b.Build(ctx, writeLayout(t, "1.0", "1.1", code("1.1", "B")), false)
	require.ErrorIs(t, err, errkind.ErrConflict)
	require.Contains(t, err.Error(), "ApplicationManifest")
}

// TestBuild_DiffBuild verifies omitted packages are taken from the store and missing ones are all reported.
func TestBuild_DiffBuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, "")

	_, err := b.Build(ctx, writeLayout(t, "1.0", "1.0", code("1.0", "A"), config("1.0", "c1")), false)
	require.NoError(t, err)

	reused := code("1.0", "")
	reused.omit = true

	_, err = b.Build(ctx, writeLayout(t, "2.0", "2.0", reused, config("2.0", "c2")), false)
	require.NoError(t, err)
	require.Equal(t, "A", readPayload(t, store, apptype.PackageTag(app, "Add", "Code", "1.0")))

	missingCode := code("9.0", "")
	missingCode.omit = true
	missingConfig := config("9.0", "")
	missingConfig.omit = true

	_, err = b.Build(ctx, writeLayout(t, "3.0", "3.0", missingCode, missingConfig), false)
	require.ErrorIs(t, err, errkind.ErrValidation)
	require.Contains(t, err.Error(), "Code package Code version 9.0")
	require.Contains(t, err.Error(), "Config package Config version 9.0")
}

// TestBuild_ServiceManifestFromStore verifies a whole service can be omitted when its manifest version exists.
func TestBuild_ServiceManifestFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, "")

	_, err := b.Build(ctx, writeLayout(t, "1.0", "1.0", code("1.0", "A")), false)
	require.NoError(t, err)

	layout := writeLayout(t, "1.1", "1.0", code("1.0", "A"))
	require.NoError(t, os.RemoveAll(filepath.Join(layout, "Add")))

	tv, err := b.Build(ctx, layout, false)
	require.NoError(t, err)
	require.Equal(t, "Calc:1.1", tv.String())

	layout = writeLayout(t, "1.2", "7.0", code("7.0", "A"))
	require.NoError(t, os.RemoveAll(filepath.Join(layout, "Add")))

	_, err = b.Build(ctx, layout, false)
	require.ErrorIs(t, err, errkind.ErrValidation)
	require.Contains(t, err.Error(), "service manifest Add version 7.0")
}

// failingStore fails uploads of one tag.
type failingStore struct {
	content.Store

	failTag string
}

func (s *failingStore) Upload(ctx context.Context, tag, source string, flag content.CopyFlag, overwrite bool) error {
	if tag == s.failTag {
		return errkind.New(errkind.KindFatal, "upload", tag, "injected failure")
	}

	return s.Store.Upload(ctx, tag, source, flag, overwrite)
}

// TestBuild_RollbackKeepsPreviousVersion verifies a failed publication restores overwritten packages and removes
// new tags.
func TestBuild_RollbackKeepsPreviousVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	_, err := newBuilder(t, store, "").Build(ctx, writeLayout(t, "1.0", "1.0", code("1.0", "A")), false)
	require.NoError(t, err)

	failing := &failingStore{Store: store, failTag: apptype.ApplicationManifestTag(app, "2.0")}

	_, err = newBuilder(t, failing, "").Build(ctx, writeLayout(t, "2.0", "2.0", code("1.0", "B")), true)
	require.ErrorContains(t, err, "injected failure")

	require.Equal(t, "A", readPayload(t, store, apptype.PackageTag(app, "Add", "Code", "1.0")))

	for tag, want := range map[string]bool{
		apptype.ApplicationManifestTag(app, "1.0"):    true,
		apptype.ServiceManifestTag(app, "Add", "1.0"): true,
		apptype.ServiceManifestTag(app, "Add", "2.0"): false,
		apptype.ApplicationManifestTag(app, "2.0"):    false,
	} {
		ok, err := store.Exists(ctx, tag)
		require.NoError(t, err)
		require.Equal(t, want, ok, tag)
	}

	require.Empty(t, backups(t, store))

	checksum, err := content.ReadFile(ctx, store, apptype.ChecksumTag(apptype.PackageTag(app, "Add", "Code", "1.0")))
	require.NoError(t, err)

	want, err := content.Describe(ctx, filepath.Join(writeLayout(t, "x", "x", code("1.0", "A")), "Add", "Code"))
	require.NoError(t, err)
	require.Equal(t, want.Digest, string(checksum))
}

// TestBuildFromStore verifies a layout published under Staging/ is downloaded and built.
func TestBuildFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	b := newBuilder(t, store, "")

	layout := writeLayout(t, "1.0", "1.0", code("1.0", "A"))
	require.NoError(t, store.Upload(ctx, "Staging/calc-1.0", layout, content.AtomicCopy, false))

	tv, err := b.BuildFromStore(ctx, "Staging/calc-1.0", false)
	require.NoError(t, err)
	require.Equal(t, "Calc:1.0", tv.String())

	_, err = b.BuildFromStore(ctx, "Staging/missing", false)
	require.ErrorIs(t, err, errkind.ErrNotFound)
}
