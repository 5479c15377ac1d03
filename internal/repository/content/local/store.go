package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

// Name identifies the backend in logs and metrics.
const Name = "local"

// Store keeps content under a root directory on a local or shared file system.
type Store struct {
	root  string
	host  string
	pid   int
	now   func() time.Time
	alive func(pid int) bool
}

var _ content.Backend = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithProcessProbe overrides how a lease holder's liveness is checked on this host.
func WithProcessProbe(alive func(pid int) bool) Option {
	return func(s *Store) {
		s.alive = alive
	}
}

// New opens (creating if needed) a store rooted at root. Tags left missing by
// a process that died halfway through replacing them get their old content back.
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root %s: %w", root, err)
	}

	dirs := []string{
		abs,
		filepath.Join(abs, content.TempPrefix, "trash"),
		filepath.Join(abs, content.MarkerPrefix),
	}

	for _, dir := range dirs {
		if err = os.MkdirAll(dir, fsutil.DirMode); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	s := &Store{
		root:  abs,
		host:  host,
		pid:   os.Getpid(),
		now:   time.Now,
		alive: processAlive,
	}

	for _, opt := range opts {
		opt(s)
	}

	restored, err := fsutil.RecoverReplaced(s.trashDir(), s.abandoned)
	if err != nil {
		return nil, fmt.Errorf("recover interrupted replacements: %w", err)
	}

	for _, target := range restored {
		logger.WarnKV(context.Background(), "Restored content of an interrupted replacement", "path", target)
	}

	return s, nil
}

// abandoned reports whether a writer on this host is gone. Writers on other
// hosts of a shared root are never judged from here.
func (s *Store) abandoned(host string, pid int) bool {
	return host == s.host && pid != s.pid && !s.alive(pid)
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

// Name implements content.Backend.
func (s *Store) Name() string {
	return Name
}

// Close implements content.Backend.
func (s *Store) Close() error {
	return nil
}

// Exists implements content.Store.
func (s *Store) Exists(ctx context.Context, tag string) (bool, error) {
	const op = "exists"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return false, err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return false, err
	}

	ok, err := fsutil.Exists(s.path(clean))

	return ok, content.Fail(op, clean, err)
}

// Upload implements content.Store.
func (s *Store) Upload(ctx context.Context, tag, source string, flag content.CopyFlag, overwrite bool) error {
	const op = "upload"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if _, err = os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errkind.New(errkind.KindNotFound, op, clean, "source %s does not exist", source)
		}

		return content.Fail(op, clean, err)
	}

	publish, err := s.shouldPublish(ctx, op, clean, source, flag, overwrite)
	if err != nil || !publish {
		return err
	}

	return s.stageAndPublish(ctx, op, clean, func(staged string) error {
		return fsutil.CopyTree(ctx, source, staged, nil)
	})
}

// Download implements content.Store.
func (s *Store) Download(ctx context.Context, tag, destination string, flag content.CopyFlag) error {
	const op = "download"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return err
	}

	src := s.path(clean)

	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return content.NotFound(op, clean)
		}

		return content.Fail(op, clean, err)
	}

	if flag == content.CopyIfDifferent {
		same, err := sameContent(ctx, src, destination)
		if err != nil {
			return content.Fail(op, clean, err)
		}

		if same {
			return nil
		}
	}

	if info.Mode().IsRegular() {
		err = downloadFile(src, destination)
	} else {
		err = downloadTree(ctx, src, destination)
	}

	// The tag existed when the download started, so a vanished path means it was replaced meanwhile.
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: %w", content.ErrChecksumMismatch, err)
	}

	return content.Fail(op, clean, err)
}

// Copy implements content.Store.
func (s *Store) Copy(
	ctx context.Context,
	srcTag, dstTag string,
	skip []string,
	flag content.CopyFlag,
	overwrite bool,
) error {
	const op = "copy"

	src, err := content.CleanTag(srcTag)
	if err != nil {
		return err
	}

	dst, err := content.CleanTag(dstTag)
	if err != nil {
		return err
	}

	srcPath := s.path(src)
	if _, err = os.Stat(srcPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return content.NotFound(op, src)
		}

		return content.Fail(op, src, err)
	}

	stageDir, err := os.MkdirTemp(filepath.Join(s.root, content.TempPrefix), "copy-*")
	if err != nil {
		return content.Fail(op, dst, err)
	}

	defer func() {
		_ = os.RemoveAll(stageDir)
	}()

	staged := filepath.Join(stageDir, "content")
	if err = fsutil.CopyTree(ctx, srcPath, staged, content.MatchSkip(skip)); err != nil {
		return content.Fail(op, dst, err)
	}

	publish, err := s.shouldPublish(ctx, op, dst, staged, flag, overwrite)
	if err != nil || !publish {
		return err
	}

	return content.Fail(op, dst, fsutil.ReplacePath(staged, s.path(dst), s.trashDir()))
}

// Delete implements content.Store. The tag is moved into the temp area first
// so readers never observe a half-removed tree.
func (s *Store) Delete(ctx context.Context, tag string) error {
	const op = "delete"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return err
	}

	target := s.path(clean)

	exists, err := fsutil.Exists(target)
	if err != nil || !exists {
		return content.Fail(op, clean, err)
	}

	trash, err := os.MkdirTemp(s.trashDir(), "deleted-*")
	if err != nil {
		return content.Fail(op, clean, err)
	}

	if err = fsutil.RenameAndSync(target, filepath.Join(trash, "content")); err != nil {
		_ = os.RemoveAll(trash)

		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return content.Fail(op, clean, err)
	}

	return content.Fail(op, clean, os.RemoveAll(trash))
}

// shouldPublish decides whether candidate replaces the content under tag.
// Identical content never needs publishing, so repeated calls are idempotent.
func (s *Store) shouldPublish(
	ctx context.Context,
	op, tag, candidate string,
	flag content.CopyFlag,
	overwrite bool,
) (bool, error) {
	target := s.path(tag)

	exists, err := fsutil.Exists(target)
	if err != nil {
		return false, content.Fail(op, tag, err)
	}

	if !exists {
		return true, nil
	}

	if overwrite && flag == content.AtomicCopy {
		return true, nil
	}

	same, err := sameContent(ctx, candidate, target)
	if err != nil {
		return false, content.Fail(op, tag, err)
	}

	switch {
	case same:
		return false, nil
	case !overwrite:
		return false, content.Diverged(op, tag)
	default:
		return true, nil
	}
}

// stageAndPublish fills a staging slot inside the store and swaps it into place.
func (s *Store) stageAndPublish(ctx context.Context, op, tag string, fill func(staged string) error) error {
	stageDir, err := os.MkdirTemp(filepath.Join(s.root, content.TempPrefix), "upload-*")
	if err != nil {
		return content.Fail(op, tag, err)
	}

	defer func() {
		_ = os.RemoveAll(stageDir)
	}()

	staged := filepath.Join(stageDir, "content")
	if err = fill(staged); err != nil {
		return content.Fail(op, tag, err)
	}

	if err = errkind.FromContext(ctx, op, tag); err != nil {
		return err
	}

	return content.Fail(op, tag, fsutil.ReplacePath(staged, s.path(tag), s.trashDir()))
}

func (s *Store) path(tag string) string {
	return filepath.Join(s.root, filepath.FromSlash(tag))
}

func (s *Store) trashDir() string {
	return filepath.Join(s.root, content.TempPrefix, "trash")
}

// sameContent compares two local paths by size, then digest. A missing path never matches.
func sameContent(ctx context.Context, left, right string) (bool, error) {
	for _, p := range []string{left, right} {
		exists, err := fsutil.Exists(p)
		if err != nil || !exists {
			return false, err
		}
	}

	lm, err := content.Describe(ctx, left)
	if err != nil {
		return false, err
	}

	rm, err := content.Describe(ctx, right)
	if err != nil {
		return false, err
	}

	return lm.Matches(rm), nil
}

// downloadFile verifies and applies a single file through go-update.
func downloadFile(src, destination string) error {
	sum, err := content.HashFile(src)
	if err != nil {
		return err
	}

	if info, err := os.Lstat(destination); err == nil && !info.Mode().IsRegular() {
		if err = os.RemoveAll(destination); err != nil {
			return err
		}
	}

	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	// A concurrent republish between hashing and reading surfaces as a checksum mismatch.
	return content.ApplyFile(f, destination, sum)
}

// downloadTree copies a folder to a staged sibling of destination and swaps it in.
// The copy is re-hashed against the source digest taken before copying, so a
// republish that raced the copy surfaces as a checksum mismatch instead of a torn tree.
func downloadTree(ctx context.Context, src, destination string) error {
	before, err := content.Describe(ctx, src)
	if err != nil {
		return err
	}

	parent := filepath.Dir(destination)
	if err = os.MkdirAll(parent, fsutil.DirMode); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(destination)+".download-*")
	if err != nil {
		return err
	}

	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	staged := filepath.Join(tmp, "content")
	if err = fsutil.CopyTree(ctx, src, staged, nil); err != nil {
		return err
	}

	after, err := content.Describe(ctx, staged)
	if err != nil {
		return err
	}

	if !before.Matches(after) {
		return fmt.Errorf("%s changed while it was copied: %w", src, content.ErrChecksumMismatch)
	}

	return fsutil.ReplacePath(staged, destination, filepath.Join(tmp, "trash"))
}

// processAlive reports whether pid still runs on this host. Lookup errors count as alive.
func processAlive(pid int) bool {
	p, err := ps.FindProcess(pid)
	if err != nil {
		return true
	}

	return p != nil
}
