package content

import (
	"context"
	"crypto"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// Register SHA-256 for crypto.Hash.New.
	_ "crypto/sha256"
)

// DigestHash is the hash used for file checksums and tree digests.
const DigestHash = crypto.SHA256

// FileEntry describes one regular file of a content unit.
type FileEntry struct {
	// Path is slash-separated and relative to the unit root; empty for a single-file unit.
	Path string `yaml:"path"`
	// Size is the file length in bytes.
	Size int64 `yaml:"size"`
	// SHA256 is the hex-encoded content hash.
	SHA256 string `yaml:"sha256"`
}

// Manifest summarises a content unit: its kind, total size and content-only digest.
// Modification times and permissions are excluded so identical bytes always compare equal.
type Manifest struct {
	// Dir is true for folder tags.
	Dir bool `yaml:"dir"`
	// Size is the total size of all files.
	Size int64 `yaml:"size"`
	// Digest is the file hash for single files and the tree hash for folders.
	Digest string `yaml:"digest"`
	// Files lists every file, sorted by path.
	Files []FileEntry `yaml:"files,omitempty"`
}

// Matches reports whether two units hold identical content. Sizes are
// compared first so most mismatches never look at digests.
func (m *Manifest) Matches(other *Manifest) bool {
	if m == nil || other == nil {
		return false
	}

	return m.Dir == other.Dir && m.Size == other.Size && m.Digest == other.Digest
}

// Describe hashes the file or directory at path.
func Describe(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.Mode().IsRegular() {
		sum, err := HashFile(path)
		if err != nil {
			return nil, err
		}

		return &Manifest{
			Size:   info.Size(),
			Digest: sum,
			Files:  []FileEntry{{Size: info.Size(), SHA256: sum}},
		}, nil
	}

	var files []FileEntry

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			return fmt.Errorf("%s: unsupported file type %s", p, d.Type())
		}

		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		sum, err := HashFile(p)
		if err != nil {
			return err
		}

		files = append(files, FileEntry{Path: filepath.ToSlash(rel), Size: fi.Size(), SHA256: sum})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}

	return TreeManifest(files), nil
}

// TreeManifest computes the folder manifest for a set of file entries.
// The digest hashes "<path>:<size>:<sha256>" lines in byte order of path.
func TreeManifest(files []FileEntry) *Manifest {
	sorted := append([]FileEntry(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var (
		b     strings.Builder
		total int64
	)

	for _, f := range sorted {
		fmt.Fprintf(&b, "%s:%d:%s\n", f.Path, f.Size, f.SHA256)
		total += f.Size
	}

	h := DigestHash.New()
	_, _ = io.WriteString(h, b.String())

	return &Manifest{
		Dir:    true,
		Size:   total,
		Digest: hex.EncodeToString(h.Sum(nil)),
		Files:  sorted,
	}
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	defer func() {
		_ = f.Close()
	}()

	h := DigestHash.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
