package provision

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/oshokin/fabric-provisioner/internal/domain/cluster"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
	"github.com/oshokin/fabric-provisioner/internal/service/transfer"
	"github.com/oshokin/fabric-provisioner/internal/service/validator"
)

const (
	// provisionLock serialises provisioning and unprovisioning.
	provisionLock = "provision"
	// upgradeLock guards the whole upgrade sequence.
	upgradeLock = "upgrade"

	// undoTimeout bounds compensation after the caller's context is gone.
	undoTimeout = 2 * time.Minute
)

// Coordinator is the content store plus operation leases.
type Coordinator interface {
	content.Store
	Hold(ctx context.Context, name string) (*transfer.Hold, error)
}

// Options configures a Pipeline. Nil collaborators get their defaults.
type Options struct {
	Inspector    Inspector
	Verifier     SignatureVerifier
	HostSettings HostSettings
	Validator    *validator.Validator
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Pipeline resolves, provisions and upgrades fabric versions.
type Pipeline struct {
	store        Coordinator
	registry     *registry.Registry
	inspector    Inspector
	verifier     SignatureVerifier
	hostSettings HostSettings
	validator    *validator.Validator
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New returns a pipeline over store.
func New(store Coordinator, opts Options) *Pipeline {
	p := &Pipeline{
		store:        store,
		inspector:    opts.Inspector,
		verifier:     opts.Verifier,
		hostSettings: opts.HostSettings,
		validator:    opts.Validator,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}

	if p.inspector == nil {
		p.inspector = FileInspector{}
	}

	if p.verifier == nil {
		p.verifier = AcceptAll{}
	}

	if p.hostSettings == nil {
		p.hostSettings = FileHostSettings{}
	}

	if p.validator == nil {
		p.validator = validator.New(nil, opts.Metrics)
	}

	if p.now == nil {
		p.now = time.Now
	}

	p.registry = registry.New(store, func(ctx context.Context, name string) (registry.Lock, error) {
		return store.Hold(ctx, name)
	})

	return p
}

// Registry exposes the version registry.
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// ResolveVersion reads the product version of the code artifact and the
// version attribute of the cluster manifest. An empty tag yields an empty component.
func (p *Pipeline) ResolveVersion(ctx context.Context, codeTag, configTag string) (fabric.Version, error) {
	scratch, err := os.MkdirTemp("", "fabric-resolve-*")
	if err != nil {
		return fabric.Version{}, errkind.Wrap(errkind.KindFatal, "resolve version", codeTag, err)
	}

	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	var v fabric.Version

	if codeTag != "" {
		local, err := p.fetch(ctx, codeTag, scratch)
		if err != nil {
			return fabric.Version{}, err
		}

		if v.Code, err = p.inspector.Version(local); err != nil {
			return fabric.Version{}, errkind.Wrap(errkind.KindInvalidArtifact, "resolve version", codeTag, err)
		}
	}

	if configTag != "" {
		m, err := p.loadManifest(ctx, configTag)
		if err != nil {
			return fabric.Version{}, err
		}

		v.Config = m.Version
	}

	return v, nil
}

// ListVersions returns the registry.
func (p *Pipeline) ListVersions(ctx context.Context) (*registry.Index, error) {
	return p.registry.Load(ctx)
}

// ValidateClusterManifest parses a cluster manifest and, when the cluster
// runs a version with a manifest, checks the settings upgrade against it.
func (p *Pipeline) ValidateClusterManifest(ctx context.Context, data []byte) error {
	target, err := cluster.ParseManifest(data)
	if err != nil {
		return err
	}

	idx, err := p.registry.Load(ctx)
	if err != nil {
		return err
	}

	if idx.Current == nil {
		return nil
	}

	record := idx.Find(*idx.Current)
	if record == nil || record.ClusterManifestTag == "" {
		return nil
	}

	current, err := p.loadManifest(ctx, record.ClusterManifestTag)
	if err != nil {
		return err
	}

	return p.validator.Validate(ctx, current.Settings(), target.Settings())
}

// Delete removes a tag from the store.
func (p *Pipeline) Delete(ctx context.Context, tag string) error {
	return p.store.Delete(ctx, tag)
}

// fetch downloads tag into dir under its base name, which the inspector reads.
func (p *Pipeline) fetch(ctx context.Context, tag, dir string) (string, error) {
	local := filepath.Join(dir, path.Base(tag))
	if err := p.store.Download(ctx, tag, local, content.AtomicCopy); err != nil {
		return "", err
	}

	return local, nil
}

func (p *Pipeline) loadManifest(ctx context.Context, tag string) (*cluster.Manifest, error) {
	data, err := content.ReadFile(ctx, p.store, tag)
	if err != nil {
		return nil, err
	}

	return cluster.ParseManifest(data)
}

// undo collects compensations and runs them newest first.
type undo struct {
	steps []func(ctx context.Context) error
}

func (u *undo) push(step func(ctx context.Context) error) {
	u.steps = append(u.steps, step)
}

func (u *undo) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
	defer cancel()

	for _, step := range slices.Backward(u.steps) {
		if err := step(ctx); err != nil {
			logger.ErrorKV(ctx, "Compensation step failed", "error", err)
		}
	}
}

// deleteTag returns a compensation removing tag.
func (p *Pipeline) deleteTag(tag string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return p.store.Delete(ctx, tag)
	}
}

// isFolder reports whether a downloaded artifact is a directory.
func isFolder(local string) bool {
	info, err := os.Stat(local)

	return err == nil && info.IsDir()
}

func notProvisioned(v fabric.Version) error {
	return errkind.New(errkind.KindNotFound, "upgrade", v.String(), "fabric version is not provisioned")
}

var errNothingToProvision = errors.New("neither a code nor a config artifact was given")
