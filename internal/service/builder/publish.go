package builder

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

// rollbackTimeout bounds undoing a failed publication after the caller's context is gone.
const rollbackTimeout = 2 * time.Minute

// publication tracks what one build changed in the store so a failure can undo it.
type publication struct {
	store   content.Store
	app     string
	id      string
	scratch string
	created []string
	backups []backup
}

type backup struct {
	tag  string
	copy string
}

// publish writes packages and their checksums, then service manifests, then
// the application manifest. The application manifest is the commit point:
// until it exists the version is not servable, and any failure before it
// restores the store to its previous state.
func (b *Builder) publish(
	ctx context.Context,
	tv apptype.TypeVersion,
	items []*item,
	appTag, appPath string,
	replaceApp bool,
) (err error) {
	scratch, err := os.MkdirTemp("", "fabric-build-*")
	if err != nil {
		return errkind.Wrap(errkind.KindFatal, op, tv.String(), err)
	}

	pub := &publication{store: b.store, app: tv.Name, id: uuid.NewString(), scratch: scratch}

	defer func() {
		if err != nil {
			pub.rollback(ctx)
		}

		pub.cleanup(ctx)
	}()

	ordered := slices.Clone(items)
	slices.SortStableFunc(ordered, func(a, b *item) int {
		return rank(a) - rank(b)
	})

	for _, it := range ordered {
		replace := it.conflicting()

		if err = pub.put(ctx, it.tag, it.source, replace); err != nil {
			return err
		}

		if err = pub.putData(ctx, apptype.ChecksumTag(it.tag), []byte(it.Fingerprint), replace); err != nil {
			return err
		}
	}

	return pub.put(ctx, appTag, appPath, replaceApp)
}

func rank(it *item) int {
	if it.Kind == apptype.KindManifest {
		return 1
	}

	return 0
}

// put uploads source under tag. A replaced tag is copied to the build's backup folder first.
func (p *publication) put(ctx context.Context, tag, source string, replace bool) error {
	existed, err := p.store.Exists(ctx, tag)
	if err != nil {
		return err
	}

	switch {
	case !existed:
		p.created = append(p.created, tag)
	case replace:
		backupTag := apptype.BackupTag(p.app, p.id, tag)
		if err = p.store.Copy(ctx, tag, backupTag, nil, content.AtomicCopy, true); err != nil {
			return err
		}

		p.backups = append(p.backups, backup{tag: tag, copy: backupTag})
	}

	if err = p.store.Upload(ctx, tag, source, content.CopyIfDifferent, replace); err != nil {
		return err
	}

	logger.DebugKV(ctx, "Published", "tag", tag, "replaced", existed && replace)

	return nil
}

func (p *publication) putData(ctx context.Context, tag string, data []byte, replace bool) error {
	source := filepath.Join(p.scratch, path.Base(tag))
	if err := os.WriteFile(source, data, fsutil.FileMode); err != nil {
		return errkind.Wrap(errkind.KindFatal, op, tag, err)
	}

	return p.put(ctx, tag, source, replace)
}

// rollback deletes created tags and restores replaced ones, newest first.
func (p *publication) rollback(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	for _, tag := range slices.Backward(p.created) {
		if err := p.store.Delete(ctx, tag); err != nil {
			logger.ErrorKV(ctx, "Failed to remove tag during build rollback", "tag", tag, "error", err)
		}
	}

	for _, b := range slices.Backward(p.backups) {
		if err := p.store.Copy(ctx, b.copy, b.tag, nil, content.AtomicCopy, true); err != nil {
			logger.ErrorKV(ctx, "Failed to restore tag during build rollback", "tag", b.tag, "error", err)
		}
	}

	logger.WarnKV(ctx, "Build rolled back", "removed", len(p.created), "restored", len(p.backups))
}

func (p *publication) cleanup(ctx context.Context) {
	_ = os.RemoveAll(p.scratch)

	if len(p.backups) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	folder := path.Join(apptype.Root(p.app), ".backup", p.id)
	if err := p.store.Delete(ctx, folder); err != nil {
		logger.WarnKV(ctx, "Failed to remove build backups", "tag", folder, "error", err)
	}
}
