package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DirMode is used for directories created by the store.
	DirMode os.FileMode = 0o755
	// FileMode is used for files created by the store.
	FileMode os.FileMode = 0o644
)

// SkipFunc reports whether a slash-separated relative path is left out of a copy.
type SkipFunc func(rel string) bool

// AtomicWrite writes data to a temporary sibling, fsyncs it, then renames it over path.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("atomic write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write create tmp: %w", err)
	}

	tmpPath := tmp.Name()
	success := false

	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("atomic write chmod: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("atomic write fsync: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("atomic write close: %w", err)
	}

	if err = RenameAndSync(tmpPath, path); err != nil {
		return err
	}

	success = true

	return nil
}

// RenameAndSync renames oldpath to newpath and fsyncs the parent directory.
func RenameAndSync(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return FsyncDir(filepath.Dir(newpath))
}

// FsyncDir fsyncs a directory so a rename inside it survives a crash.
func FsyncDir(dirPath string) error {
	d, err := os.Open(filepath.Clean(dirPath))
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}

	defer func() {
		_ = d.Close()
	}()

	if err = d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("fsync dir: %w", err)
	}

	return nil
}

// replaceRecordName is the file in a trash slot that says where its old content came from.
const replaceRecordName = "replace.yaml"

// replaceRecord lets RecoverReplaced put old content back after a crash between the two renames.
type replaceRecord struct {
	Target string `yaml:"target"`
	Host   string `yaml:"host"`
	PID    int    `yaml:"pid"`
}

// ReplacePath moves staged into place at target. An existing target is
// moved aside first and removed only after staged is in place, so target is
// never left half-written; if the second rename fails the old content is restored.
// A process that dies between the renames leaves the old content in a trash
// slot that RecoverReplaced restores.
func ReplacePath(staged, target, trashDir string) error {
	if err := os.MkdirAll(filepath.Dir(target), DirMode); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	info, err := os.Lstat(target)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return RenameAndSync(staged, target)
	case err != nil:
		return fmt.Errorf("stat target: %w", err)
	}

	stagedInfo, err := os.Lstat(staged)
	if err != nil {
		return fmt.Errorf("stat staged: %w", err)
	}

	// Regular file over regular file is a single atomic rename.
	if info.Mode().IsRegular() && stagedInfo.Mode().IsRegular() {
		return RenameAndSync(staged, target)
	}

	if err = os.MkdirAll(trashDir, DirMode); err != nil {
		return fmt.Errorf("create trash: %w", err)
	}

	trash, err := os.MkdirTemp(trashDir, "replaced-*")
	if err != nil {
		return fmt.Errorf("create trash slot: %w", err)
	}

	if err = writeReplaceRecord(trash, target); err != nil {
		_ = os.RemoveAll(trash)

		return err
	}

	aside := filepath.Join(trash, "old")
	if err = os.Rename(target, aside); err != nil {
		_ = os.RemoveAll(trash)

		return fmt.Errorf("move old content aside: %w", err)
	}

	if err = RenameAndSync(staged, target); err != nil {
		if restoreErr := os.Rename(aside, target); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore old content: %w", restoreErr))
		}

		_ = os.RemoveAll(trash)

		return err
	}

	return os.RemoveAll(trash)
}

// RecoverReplaced finishes replacements abandoned in trashDir. Old content
// whose target is still missing is moved back; every abandoned slot is then
// removed. abandoned reports whether the process that wrote a slot is gone,
// slots of live processes are left alone. It returns the restored targets.
func RecoverReplaced(trashDir string, abandoned func(host string, pid int) bool) ([]string, error) {
	entries, err := os.ReadDir(trashDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read trash: %w", err)
	}

	var (
		restored []string
		errs     []error
	)

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "replaced-") {
			continue
		}

		slot := filepath.Join(trashDir, entry.Name())

		record, err := readReplaceRecord(slot)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if record == nil || !abandoned(record.Host, record.PID) {
			continue
		}

		ok, err := restoreAside(filepath.Join(slot, "old"), record.Target)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if ok {
			restored = append(restored, record.Target)
		}

		if err = os.RemoveAll(slot); err != nil {
			errs = append(errs, fmt.Errorf("remove trash slot: %w", err))
		}
	}

	return restored, errors.Join(errs...)
}

// restoreAside moves aside back to target when target is missing.
func restoreAside(aside, target string) (bool, error) {
	if _, err := os.Lstat(aside); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	_, err := os.Lstat(target)

	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("stat %s: %w", target, err)
	}

	if err = os.MkdirAll(filepath.Dir(target), DirMode); err != nil {
		return false, fmt.Errorf("create parent: %w", err)
	}

	if err = RenameAndSync(aside, target); err != nil {
		return false, fmt.Errorf("restore %s: %w", target, err)
	}

	return true, nil
}

func writeReplaceRecord(slot, target string) error {
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	data, err := yaml.Marshal(&replaceRecord{Target: abs, Host: host, PID: os.Getpid()})
	if err != nil {
		return err
	}

	if err = AtomicWrite(filepath.Join(slot, replaceRecordName), data, FileMode); err != nil {
		return fmt.Errorf("write replace record: %w", err)
	}

	return nil
}

// readReplaceRecord returns nil for a slot that has no record yet.
func readReplaceRecord(slot string) (*replaceRecord, error) {
	data, err := os.ReadFile(filepath.Join(slot, replaceRecordName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read replace record: %w", err)
	}

	var record replaceRecord
	if err = yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse replace record in %s: %w", slot, err)
	}

	return &record, nil
}

// CopyFile copies a regular file and fsyncs the copy.
func CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	if err = os.MkdirAll(filepath.Dir(dst), DirMode); err != nil {
		return err
	}

	out, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}

	if err = out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("fsync %s: %w", dst, err)
	}

	return out.Close()
}

// CopyTree copies src (file or directory) to dst, which must not exist yet.
// Regular files and directories are copied; symlinks and special files are
// rejected because published content has to be self-contained.
// The context is checked between entries so a deadline stops long copies.
func CopyTree(ctx context.Context, src, dst string, skip SkipFunc) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		return CopyFile(src, dst, FileMode)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		slashRel := filepath.ToSlash(rel)
		if rel != "." && skip != nil && skip(slashRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, DirMode)
		case d.Type().IsRegular():
			return CopyFile(path, target, FileMode)
		default:
			return fmt.Errorf("%s: unsupported file type %s", slashRel, d.Type())
		}
	})
}

// Exists reports whether path exists, treating stat failures other than "not exist" as errors.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
