package builder

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/fpcache"
)

// Conflict policies for ignore-conflict builds.
const (
	// PolicyLatestWins republishes diverging packages when conflicts are ignored.
	PolicyLatestWins = "latest-wins"
	// PolicyReject treats divergence under an unchanged version as an error even when conflicts are ignored.
	PolicyReject = "reject"
)

const (
	op = "build"

	// DefaultParallelism bounds concurrent fingerprint workers when Options.Parallelism is zero.
	DefaultParallelism = 4
)

var errUnknownPolicy = errors.New("unknown conflict policy")

// Options configures a Builder.
type Options struct {
	// Parallelism bounds concurrent package fingerprinting.
	Parallelism int
	// ConflictPolicy is PolicyLatestWins (default) or PolicyReject.
	ConflictPolicy string
	// Cache serves fingerprints of unchanged package trees; nil disables it.
	Cache *fpcache.Cache
	// Metrics counts conflicts; nil disables it.
	Metrics *metrics.Metrics
}

// Builder publishes application type versions from build layouts.
type Builder struct {
	store       content.Store
	parallelism int
	policy      string
	cache       *fpcache.Cache
	metrics     *metrics.Metrics
}

// New returns a builder publishing into store.
func New(store content.Store, opts Options) (*Builder, error) {
	policy := opts.ConflictPolicy
	if policy == "" {
		policy = PolicyLatestWins
	}

	if policy != PolicyLatestWins && policy != PolicyReject {
		return nil, fmt.Errorf("%w: %q", errUnknownPolicy, policy)
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	return &Builder{
		store:       store,
		parallelism: parallelism,
		policy:      policy,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
	}, nil
}

// item is one publishable unit of a build: a package folder or a service manifest.
type item struct {
	apptype.Descriptor

	tag string
	// source is the local path; empty when the version is reused from the store.
	source string
	// recorded is the fingerprint already published for this version, if any.
	recorded string
}

func (it *item) conflicting() bool {
	return it.recorded != "" && it.recorded != it.Fingerprint
}

// Build publishes the application type staged at layout. In strict mode any
// package whose version was reused with different content fails the whole
// build with one Conflict error listing every such package, and nothing is
// published. With ignoreConflict the built content replaces the recorded one,
// unless the conflict policy is reject.
func (b *Builder) Build(ctx context.Context, layout string, ignoreConflict bool) (apptype.TypeVersion, error) {
	ctx = logger.WithName(ctx, "builder")
	start := time.Now()

	appPath := filepath.Join(layout, apptype.ApplicationManifestFile)

	appData, err := os.ReadFile(appPath)
	if errors.Is(err, fs.ErrNotExist) {
		return apptype.TypeVersion{}, errkind.New(errkind.KindValidation, op, appPath, "application manifest is missing")
	}

	if err != nil {
		return apptype.TypeVersion{}, errkind.Wrap(errkind.KindFatal, op, appPath, err)
	}

	app, err := apptype.ParseApplicationManifest(appData)
	if err != nil {
		return apptype.TypeVersion{}, err
	}

	tv := app.TypeVersion()
	ctx = logger.WithKV(ctx, "type", tv.String())

	items, reused, err := b.plan(ctx, layout, app)
	if err != nil {
		return apptype.TypeVersion{}, err
	}

	if err = b.fingerprint(ctx, items); err != nil {
		return apptype.TypeVersion{}, err
	}

	var conflicts []apptype.Conflict

	for _, it := range items {
		if it.conflicting() {
			conflicts = append(conflicts, apptype.Conflict{Descriptor: it.Descriptor, Previous: it.recorded})
		}
	}

	appTag := apptype.ApplicationManifestTag(tv.Name, tv.Version)

	appConflict, err := b.checkApplicationManifest(ctx, tv, appTag, appData)
	if err != nil {
		return apptype.TypeVersion{}, err
	}

	if appConflict != nil {
		conflicts = append(conflicts, *appConflict)
	}

	if err = b.resolve(ctx, conflicts, ignoreConflict); err != nil {
		return apptype.TypeVersion{}, err
	}

	if err = b.publish(ctx, tv, items, appTag, appPath, appConflict != nil); err != nil {
		return apptype.TypeVersion{}, err
	}

	logger.InfoKV(ctx, "Application type built",
		"built", len(items), "reused", reused, "overwritten", len(conflicts), "duration", time.Since(start))

	return tv, nil
}

// BuildFromStore downloads a layout published under layoutTag and builds it.
func (b *Builder) BuildFromStore(ctx context.Context, layoutTag string, ignoreConflict bool) (apptype.TypeVersion, error) {
	dir, err := os.MkdirTemp("", "fabric-layout-*")
	if err != nil {
		return apptype.TypeVersion{}, errkind.Wrap(errkind.KindFatal, op, layoutTag, err)
	}

	defer func() {
		_ = os.RemoveAll(dir)
	}()

	layout := filepath.Join(dir, "layout")
	if err = b.store.Download(ctx, layoutTag, layout, content.AtomicCopy); err != nil {
		return apptype.TypeVersion{}, err
	}

	return b.Build(ctx, layout, ignoreConflict)
}

// plan resolves every service manifest and package the application imports.
// Items missing from the layout must already be in the store; every missing
// one is reported in a single Validation error.
func (b *Builder) plan(
	ctx context.Context,
	layout string,
	app *apptype.ApplicationManifest,
) (items []*item, reused int, err error) {
	var errs []error

	appName := app.ApplicationTypeName

	for _, imp := range app.ServiceManifestImports {
		serviceDir := filepath.Join(layout, imp.ServiceManifestName)
		manifest := &item{
			Descriptor: apptype.Descriptor{
				Service: imp.ServiceManifestName,
				Kind:    apptype.KindManifest,
				Name:    "Manifest",
				Version: imp.ServiceManifestVersion,
			},
			tag: apptype.ServiceManifestTag(appName, imp.ServiceManifestName, imp.ServiceManifestVersion),
		}

		manifestPath := filepath.Join(serviceDir, apptype.ServiceManifestFile)

		data, readErr := os.ReadFile(manifestPath)

		switch {
		case readErr == nil:
			manifest.source = manifestPath
		case errors.Is(readErr, fs.ErrNotExist):
			data, readErr = content.ReadFile(ctx, b.store, manifest.tag)
			if errors.Is(readErr, errkind.ErrNotFound) {
				errs = append(errs, errkind.New(errkind.KindValidation, op, manifest.tag,
					"service manifest %s version %s is neither in the layout nor in the store",
					imp.ServiceManifestName, imp.ServiceManifestVersion))

				continue
			}

			if readErr != nil {
				return nil, 0, readErr
			}

			reused++
		default:
			return nil, 0, errkind.Wrap(errkind.KindFatal, op, manifestPath, readErr)
		}

		service, parseErr := apptype.ParseServiceManifest(data, manifestPath)
		if parseErr != nil {
			errs = append(errs, parseErr)

			continue
		}

		if service.Name != imp.ServiceManifestName || service.Version != imp.ServiceManifestVersion {
			errs = append(errs, errkind.New(errkind.KindValidation, op, manifestPath,
				"service manifest declares %s:%s but the application imports %s:%s",
				service.Name, service.Version, imp.ServiceManifestName, imp.ServiceManifestVersion))

			continue
		}

		if manifest.source != "" {
			items = append(items, manifest)
		}

		for _, p := range service.Packages() {
			pkg := &item{
				Descriptor: apptype.Descriptor{Service: service.Name, Kind: p.Kind, Name: p.Name, Version: p.Version},
				tag:        apptype.PackageTag(appName, service.Name, p.Name, p.Version),
			}

			dir := filepath.Join(serviceDir, p.Name)

			inLayout, statErr := fsutil.Exists(dir)
			if statErr != nil {
				return nil, 0, errkind.Wrap(errkind.KindFatal, op, dir, statErr)
			}

			if inLayout {
				pkg.source = dir
				items = append(items, pkg)

				continue
			}

			published, existsErr := b.store.Exists(ctx, pkg.tag)
			if existsErr != nil {
				return nil, 0, existsErr
			}

			if !published {
				errs = append(errs, errkind.New(errkind.KindValidation, op, pkg.tag,
					"%s package %s version %s of service %s is neither in the layout nor in the store",
					p.Kind, p.Name, p.Version, service.Name))

				continue
			}

			reused++
		}
	}

	if err = errkind.Aggregate(errkind.KindValidation, op, "build layout is incomplete", errs); err != nil {
		return nil, 0, err
	}

	return items, reused, nil
}

// fingerprint hashes every item in parallel and loads the fingerprint
// recorded for its version. Workers touch only their own item.
func (b *Builder) fingerprint(ctx context.Context, items []*item) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(b.parallelism)

	for _, it := range items {
		p.Go(func(ctx context.Context) error {
			fp, err := b.cache.Fingerprint(ctx, it.source)
			if err != nil {
				return content.Fail("fingerprint", it.tag, err)
			}

			it.Fingerprint = fp

			recorded, err := content.ReadFile(ctx, b.store, apptype.ChecksumTag(it.tag))

			switch {
			case errors.Is(err, errkind.ErrNotFound):
				return nil
			case err != nil:
				return err
			}

			it.recorded = strings.TrimSpace(string(recorded))

			return nil
		})
	}

	return p.Wait()
}

// checkApplicationManifest reports a Conflict when the same application type
// version was already published with different content.
func (b *Builder) checkApplicationManifest(
	ctx context.Context,
	tv apptype.TypeVersion,
	tag string,
	data []byte,
) (*apptype.Conflict, error) {
	existing, err := content.ReadFile(ctx, b.store, tag)

	switch {
	case errors.Is(err, errkind.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case bytes.Equal(existing, data):
		return nil, nil
	}

	return &apptype.Conflict{
		Descriptor: apptype.Descriptor{
			Service:     tv.Name,
			Kind:        apptype.KindManifest,
			Name:        "ApplicationManifest",
			Version:     tv.Version,
			Fingerprint: digest(data),
		},
		Previous: digest(existing),
	}, nil
}

// resolve decides the build's fate once every fingerprint is known.
func (b *Builder) resolve(ctx context.Context, conflicts []apptype.Conflict, ignoreConflict bool) error {
	if len(conflicts) == 0 {
		return nil
	}

	b.metrics.PackageConflicts(len(conflicts))

	if !ignoreConflict || b.policy == PolicyReject {
		errs := make([]error, 0, len(conflicts))
		for _, c := range conflicts {
			errs = append(errs, errkind.Wrap(errkind.KindConflict, op, c.Key(), c))
		}

		message := "packages changed content without a version change"
		if ignoreConflict {
			message += " (conflict policy is reject)"
		}

		return errkind.Aggregate(errkind.KindConflict, op, message, errs)
	}

	for _, c := range conflicts {
		logger.WarnKV(ctx, "Republishing package with changed content under the same version",
			"package", c.Key(), "recorded", c.Previous, "built", c.Fingerprint)
	}

	return nil
}

func digest(data []byte) string {
	h := content.DigestHash.New()
	_, _ = h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}
