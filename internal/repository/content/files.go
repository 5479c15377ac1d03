package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
)

// ReadFile downloads a single-file tag into memory.
func ReadFile(ctx context.Context, store Store, tag string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "fabric-read-*")
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, "read", tag, err)
	}

	defer func() {
		_ = os.RemoveAll(dir)
	}()

	destination := filepath.Join(dir, "content")
	if err = store.Download(ctx, tag, destination, AtomicCopy); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(destination)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "read", tag, fmt.Errorf("%s is not a file: %w", tag, err))
	}

	return data, nil
}

// WriteFile publishes data as a single-file tag.
func WriteFile(ctx context.Context, store Store, tag string, data []byte, overwrite bool) error {
	dir, err := os.MkdirTemp("", "fabric-write-*")
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, "write", tag, err)
	}

	defer func() {
		_ = os.RemoveAll(dir)
	}()

	source := filepath.Join(dir, "content")
	if err = os.WriteFile(source, data, fsutil.FileMode); err != nil {
		return errkind.Wrap(errkind.KindTransient, "write", tag, err)
	}

	return store.Upload(ctx, tag, source, AtomicCopy, overwrite)
}
