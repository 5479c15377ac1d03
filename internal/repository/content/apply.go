package content

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/fabric-provisioner/internal/fsutil"
)

// ErrChecksumMismatch means downloaded bytes did not hash to the published checksum,
// typically because the tag was republished while it was being read.
var ErrChecksumMismatch = errors.New("downloaded content does not match its checksum")

// ApplyFile atomically replaces destination with the bytes read from src,
// verifying them against the hex SHA-256 checksum first. On mismatch the
// previous destination content is left in place.
func ApplyFile(src io.Reader, destination, checksum string) error {
	sum, err := hex.DecodeString(checksum)
	if err != nil {
		return fmt.Errorf("decode checksum %q: %w", checksum, err)
	}

	// go-update moves the current target aside, so it has to exist.
	if err = ensureFile(destination); err != nil {
		return err
	}

	err = goupdate.Apply(src, goupdate.Options{
		TargetPath: destination,
		TargetMode: fsutil.FileMode,
		Checksum:   sum,
		Hash:       DigestHash,
	})
	if err != nil {
		if isChecksumError(err) {
			return fmt.Errorf("apply %s: %w", destination, ErrChecksumMismatch)
		}

		return fmt.Errorf("apply %s: %w", destination, err)
	}

	// go-update leaves ".<name>.old" behind when removal races with an open handle.
	oldPath := filepath.Join(filepath.Dir(destination), "."+filepath.Base(destination)+".old")
	if err = os.Remove(oldPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", oldPath, err)
	}

	return nil
}

// ensureFile creates an empty destination file (and parents) if it is missing.
func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirMode); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}

	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY, fsutil.FileMode)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", path, err)
	}

	return f.Close()
}

// isChecksumError recognises go-update's verification failure, which is not exported as a value.
func isChecksumError(err error) bool {
	return err != nil && (errors.Is(err, ErrChecksumMismatch) || strings.Contains(strings.ToLower(err.Error()), "checksum"))
}
