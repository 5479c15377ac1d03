package fpcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

const (
	keyPrefix = "fp:"

	// entryTTL expires fingerprints of build trees nobody fingerprints anymore.
	entryTTL = 30 * 24 * time.Hour
)

// Cache maps stat signatures of package trees to their content manifests.
// A nil *Cache is valid and never hits.
type Cache struct {
	db *badger.DB
}

// Open opens (creating if needed) a persistent cache in dir.
func Open(dir string) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open fingerprint cache %s: %w", dir, err)
	}

	return &Cache{db: db}, nil
}

// OpenInMemory opens a cache that lives only as long as the process.
func OpenInMemory() (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory fingerprint cache: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}

	return c.db.Close()
}

// Get returns the digest recorded for signature.
func (c *Cache) Get(signature string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}

	var digest string

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + signature))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			digest = string(val)

			return nil
		})
	})

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read fingerprint: %w", err)
	default:
		return digest, true, nil
	}
}

// Put records digest for signature.
func (c *Cache) Put(signature, digest string) error {
	if c == nil {
		return nil
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+signature), []byte(digest)).WithTTL(entryTTL))
	})
	if err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}

	return nil
}

// Fingerprint returns the content digest of path, served from the cache when
// the tree's stat signature is unchanged.
func (c *Cache) Fingerprint(ctx context.Context, path string) (string, error) {
	if c == nil {
		m, err := content.Describe(ctx, path)
		if err != nil {
			return "", err
		}

		return m.Digest, nil
	}

	signature, err := Signature(ctx, path)
	if err != nil {
		return "", err
	}

	if digest, ok, err := c.Get(signature); err == nil && ok {
		return digest, nil
	}

	m, err := content.Describe(ctx, path)
	if err != nil {
		return "", err
	}

	if err = c.Put(signature, m.Digest); err != nil {
		return "", err
	}

	return m.Digest, nil
}

// Signature hashes the absolute path plus every entry's relative path, size,
// mode and modification time. Any edit to the tree changes it.
func Signature(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	h := content.DigestHash.New()
	_, _ = fmt.Fprintf(h, "root:%s\n", abs)

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(h, "%s:%d:%o:%d\n", filepath.ToSlash(rel), info.Size(), info.Mode(), info.ModTime().UnixNano())

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("stat signature of %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
