package provision

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/oshokin/fabric-provisioner/internal/domain/cluster"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
)

// Upgrade moves the cluster from current to target. Both versions must be
// provisioned and current must be the version the cluster runs, if one is
// recorded. The settings upgrade is validated before anything is written; a
// violation returns Validation and leaves the store untouched. Every later
// failure is compensated, so the cluster stays on current.
func (p *Pipeline) Upgrade(ctx context.Context, current, target fabric.Version) (err error) {
	const op = "upgrade"

	ctx = logger.WithKV(logger.WithName(ctx, "upgrade"), "current", current.String(), "target", target.String())

	defer func() {
		p.metrics.ObserveUpgrade(err)
	}()

	hold, err := p.store.Hold(ctx, upgradeLock)
	if err != nil {
		return err
	}

	defer hold.Release()

	idx, err := p.registry.Load(ctx)
	if err != nil {
		return err
	}

	cur, tgt := idx.Find(current), idx.Find(target)

	switch {
	case cur == nil:
		return notProvisioned(current)
	case tgt == nil:
		return notProvisioned(target)
	case cur.State != fabric.StateProvisioned:
		return errkind.New(errkind.KindValidation, op, current.String(), "current version is %s", cur.State)
	case tgt.State != fabric.StateProvisioned:
		return errkind.New(errkind.KindValidation, op, target.String(), "target version is %s", tgt.State)
	case idx.Current != nil && *idx.Current != current:
		return errkind.New(errkind.KindValidation, op, current.String(), "the cluster runs %s", idx.Current)
	case current == target:
		logger.InfoKV(ctx, "Cluster already runs the target version")

		return nil
	}

	currentSettings, targetSettings, err := p.settingsPair(ctx, cur, tgt)
	if err != nil {
		return err
	}

	if currentSettings != nil && targetSettings != nil {
		err = p.validator.Validate(ctx, p.validator.Scope(currentSettings), p.validator.Scope(targetSettings))
		if err != nil {
			return err
		}
	}

	var u undo

	defer func() {
		if err != nil {
			logger.WarnKV(ctx, "Upgrade failed, rolling back", "error", err)
			u.run(ctx)
		}
	}()

	if _, err = p.registry.Update(ctx, func(idx *registry.Index) error {
		return idx.Find(target).Transition(fabric.StateUpgrading, p.now())
	}); err != nil {
		return err
	}

	u.push(func(ctx context.Context) error {
		_, err := p.registry.Update(ctx, func(idx *registry.Index) error {
			if r := idx.Find(target); r != nil && r.State == fabric.StateUpgrading {
				return r.Transition(fabric.StateProvisioned, p.now())
			}

			return nil
		})

		return err
	})

	if tgt.CodeTag != "" && target.Code != current.Code {
		if err = p.distribute(ctx, cur, tgt, &u); err != nil {
			return err
		}
	}

	if targetSettings != nil {
		if err = p.hostSettings.Apply(ctx, target, targetSettings); err != nil {
			return errkind.Wrap(errkind.KindFatal, op, target.String(), fmt.Errorf("%w: %w", ErrHostSettings, err))
		}

		if currentSettings != nil {
			u.push(func(ctx context.Context) error {
				return p.hostSettings.Apply(ctx, current, currentSettings)
			})
		}
	}

	if err = hold.Check(); err != nil {
		return err
	}

	_, err = p.registry.Update(ctx, func(idx *registry.Index) error {
		next := target
		idx.Current = &next

		return idx.Find(target).Transition(fabric.StateProvisioned, p.now())
	})
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Fabric upgraded")

	return nil
}

// settingsPair loads both settings maps. A version without a cluster manifest
// keeps the other side's configuration; nil maps mean neither side has one.
func (p *Pipeline) settingsPair(ctx context.Context, cur, tgt *fabric.Record) (cluster.SettingsMap, cluster.SettingsMap, error) {
	curTag, tgtTag := cur.ClusterManifestTag, tgt.ClusterManifestTag
	if tgtTag == "" {
		tgtTag = curTag
	}

	var out [2]cluster.SettingsMap

	for i, tag := range []string{curTag, tgtTag} {
		if tag == "" {
			continue
		}

		m, err := p.loadManifest(ctx, tag)
		if err != nil {
			return nil, nil, err
		}

		out[i] = m.Settings()
	}

	return out[0], out[1], nil
}

// distribute stages the target code for nodes, omitting files unchanged since the current code.
func (p *Pipeline) distribute(ctx context.Context, cur, tgt *fabric.Record, u *undo) error {
	skip, err := p.unchangedFiles(ctx, cur.CodeTag, tgt.CodeTag)
	if err != nil {
		return err
	}

	tag := fabric.DistributionTag(tgt.Version.Code)

	existed, err := p.store.Exists(ctx, tag)
	if err != nil {
		return err
	}

	if !existed {
		u.push(p.deleteTag(tag))
	}

	if err = p.store.Copy(ctx, tgt.CodeTag, tag, skip, content.AtomicCopy, true); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Code staged for distribution", "tag", tag, "skipped", len(skip))

	return nil
}

// unchangedFiles lists files of the target code folder that are byte-identical
// at the same path in the current code folder. A top-level name is only listed
// when no file of that name changed anywhere, because bare names match at any depth.
func (p *Pipeline) unchangedFiles(ctx context.Context, currentTag, targetTag string) ([]string, error) {
	if currentTag == "" {
		return nil, nil
	}

	scratch, err := os.MkdirTemp("", "fabric-diff-*")
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "upgrade", targetTag, err)
	}

	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	manifests := make([]*content.Manifest, 0, 2)

	for _, tag := range []string{currentTag, targetTag} {
		local := filepath.Join(scratch, fmt.Sprint(len(manifests)))
		if err = p.store.Download(ctx, tag, local, content.AtomicCopy); err != nil {
			return nil, err
		}

		if !isFolder(local) {
			return nil, nil
		}

		m, err := content.Describe(ctx, local)
		if err != nil {
			return nil, content.Fail("upgrade", tag, err)
		}

		manifests = append(manifests, m)
	}

	previous := make(map[string]string, len(manifests[0].Files))
	for _, f := range manifests[0].Files {
		previous[f.Path] = f.SHA256
	}

	changedNames := make(map[string]bool)

	var unchanged []string

	for _, f := range manifests[1].Files {
		if previous[f.Path] == f.SHA256 {
			unchanged = append(unchanged, f.Path)
		} else {
			changedNames[path.Base(f.Path)] = true
		}
	}

	skip := unchanged[:0]

	for _, rel := range unchanged {
		if path.Dir(rel) == "." && changedNames[rel] {
			continue
		}

		skip = append(skip, rel)
	}

	return skip, nil
}
