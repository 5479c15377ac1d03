package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
)

var (
	errAlreadyProvisioned = errors.New("fabric version is already provisioned")
	errInfraWithoutConfig = errors.New("an infrastructure manifest needs a cluster manifest")
)

// Provision validates the inputs, publishes them under Release/ and registers
// the resulting fabric version. Provisioning a version that is already
// provisioned with identical artifacts succeeds without changes. On failure
// only the release tags this call created are removed.
func (p *Pipeline) Provision(
	ctx context.Context,
	codeTag, configTag, infrastructureTag string,
) (_ fabric.Version, err error) {
	const op = "provision"

	ctx = logger.WithName(ctx, "provision")

	switch {
	case codeTag == "" && configTag == "":
		return fabric.Version{}, errkind.Wrap(errkind.KindValidation, op, "", errNothingToProvision)
	case infrastructureTag != "" && configTag == "":
		return fabric.Version{}, errkind.Wrap(errkind.KindValidation, op, infrastructureTag, errInfraWithoutConfig)
	}

	record, err := p.inspectInputs(ctx, codeTag, configTag, infrastructureTag)
	if err != nil {
		return fabric.Version{}, err
	}

	// The compensations below key on this copy; error returns zero the results.
	version := record.Version
	ctx = logger.WithKV(ctx, "version", version.String())

	hold, err := p.store.Hold(ctx, provisionLock)
	if err != nil {
		return fabric.Version{}, err
	}

	defer hold.Release()

	already := false

	_, err = p.registry.Update(ctx, func(idx *registry.Index) error {
		existing := idx.Find(version)
		if existing != nil && existing.State != fabric.StateProvisioning {
			return errAlreadyProvisioned
		}

		// A Provisioning record was left by a crashed run; the lease makes resuming it safe.
		record.State = fabric.StateUnprovisioned
		if err := record.Transition(fabric.StateProvisioning, p.now()); err != nil {
			return err
		}

		idx.Put(record.Clone())

		return nil
	})

	switch {
	case errors.Is(err, errAlreadyProvisioned):
		already = true
	case err != nil:
		return fabric.Version{}, err
	}

	var u undo

	defer func() {
		if err != nil {
			u.run(ctx)
		}
	}()

	if !already {
		u.push(func(ctx context.Context) error {
			_, err := p.registry.Update(ctx, func(idx *registry.Index) error {
				if r := idx.Find(version); r != nil && r.State == fabric.StateProvisioning {
					idx.Remove(version)
				}

				return nil
			})

			return err
		})
	}

	for _, artifact := range []struct{ src, dst string }{
		{codeTag, record.CodeTag},
		{configTag, record.ClusterManifestTag},
		{infrastructureTag, record.InfrastructureTag},
	} {
		if artifact.src == "" {
			continue
		}

		existed, err := p.store.Exists(ctx, artifact.dst)
		if err != nil {
			return fabric.Version{}, err
		}

		if !existed {
			u.push(p.deleteTag(artifact.dst))
		}

		if err = p.store.Copy(ctx, artifact.src, artifact.dst, nil, content.CopyIfDifferent, false); err != nil {
			return fabric.Version{}, err
		}
	}

	if err = hold.Check(); err != nil {
		return fabric.Version{}, err
	}

	if already {
		logger.InfoKV(ctx, "Fabric version is already provisioned")

		return version, nil
	}

	_, err = p.registry.Update(ctx, func(idx *registry.Index) error {
		r := idx.Find(version)
		if r == nil {
			return errkind.New(errkind.KindFatal, op, version.String(), "registry record vanished during provisioning")
		}

		return r.Transition(fabric.StateProvisioned, p.now())
	})
	if err != nil {
		return fabric.Version{}, err
	}

	logger.InfoKV(ctx, "Fabric version provisioned", "tags", record.Tags())

	return version, nil
}

// inspectInputs checks that every input exists and is valid and derives the
// version and release tags from them. Nothing is written.
func (p *Pipeline) inspectInputs(ctx context.Context, codeTag, configTag, infrastructureTag string) (*fabric.Record, error) {
	const op = "provision"

	scratch, err := os.MkdirTemp("", "fabric-provision-*")
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, op, codeTag, err)
	}

	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	now := p.now()
	record := &fabric.Record{ProvisionedAt: now, UpdatedAt: now}

	if codeTag != "" {
		local, err := p.fetch(ctx, codeTag, scratch)
		if err != nil {
			return nil, err
		}

		if err = p.inspector.Validate(local); err != nil {
			return nil, errkind.Wrap(errkind.KindInvalidArtifact, op, codeTag, err)
		}

		if err = p.fetchSignature(ctx, codeTag, local); err != nil {
			return nil, err
		}

		if err = p.verifier.Verify(ctx, local); err != nil {
			return nil, errkind.Wrap(errkind.KindInvalidArtifact, op, codeTag, err)
		}

		if record.Version.Code, err = p.inspector.Version(local); err != nil {
			return nil, errkind.Wrap(errkind.KindInvalidArtifact, op, codeTag, err)
		}

		ext := ""
		if !isFolder(local) {
			ext = filepath.Ext(local)
		}

		record.CodeTag = fabric.CodeTag(record.Version.Code, ext)
	}

	if configTag != "" {
		m, err := p.loadManifest(ctx, configTag)
		if err != nil {
			return nil, err
		}

		record.Version.Config = m.Version
		record.ClusterManifestTag = fabric.ClusterManifestTag(m.Version)
	}

	if infrastructureTag != "" {
		ok, err := p.store.Exists(ctx, infrastructureTag)
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, content.NotFound(op, infrastructureTag)
		}

		record.InfrastructureTag = fabric.InfrastructureTag(record.Version.Config)
	}

	return record, nil
}

// Unprovision unregisters a version that is not current and deletes its
// release artifacts unless another registered version still uses them.
func (p *Pipeline) Unprovision(ctx context.Context, v fabric.Version) error {
	const op = "unprovision"

	ctx = logger.WithKV(logger.WithName(ctx, "unprovision"), "version", v.String())

	for _, name := range []string{provisionLock, upgradeLock} {
		hold, err := p.store.Hold(ctx, name)
		if err != nil {
			return err
		}

		defer hold.Release()
	}

	var (
		removed *fabric.Record
		keep    = make(map[string]bool)
	)

	_, err := p.registry.Update(ctx, func(idx *registry.Index) error {
		record := idx.Find(v)
		if record == nil {
			return errkind.New(errkind.KindNotFound, op, v.String(), "fabric version is not registered")
		}

		if idx.Current != nil && *idx.Current == v {
			return errkind.New(errkind.KindValidation, op, v.String(), "the current fabric version cannot be unprovisioned")
		}

		if err := record.Transition(fabric.StateUnprovisioned, p.now()); err != nil {
			return err
		}

		idx.Remove(v)

		for _, other := range idx.Versions {
			for _, tag := range other.Tags() {
				keep[tag] = true
			}

			if other.Version.Code != "" {
				keep[fabric.DistributionTag(other.Version.Code)] = true
			}
		}

		removed = record

		return nil
	})
	if err != nil {
		return err
	}

	tags := removed.Tags()
	if v.Code != "" {
		tags = append(tags, fabric.DistributionTag(v.Code))
	}

	var errs []error

	for _, tag := range tags {
		if keep[tag] {
			continue
		}

		if err = p.store.Delete(ctx, tag); err != nil {
			logger.WarnKV(ctx, "Failed to delete release artifact", "tag", tag, "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.InfoKV(ctx, "Fabric version unprovisioned")

	return nil
}
