package fsutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTree creates files under root from a relative-path to content map.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), DirMode))
		require.NoError(t, os.WriteFile(path, []byte(body), FileMode))
	}
}

// TestAtomicWrite verifies content and permissions of an atomically written file.
func TestAtomicWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	require.NoError(t, AtomicWrite(path, []byte("a: 1\n"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "a: 1\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// TestCopyTree_Skip verifies skipped files and directories are omitted.
func TestCopyTree_Skip(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "src")
	writeTree(t, src, map[string]string{
		"bin/fabric.exe":    "exe",
		"bin/unchanged.dll": "dll",
		"logs/trace.etl":    "etl",
		"readme.txt":        "hi",
	})

	dst := filepath.Join(t.TempDir(), "dst")
	skip := func(rel string) bool { return rel == "bin/unchanged.dll" || rel == "logs" }

	require.NoError(t, CopyTree(context.Background(), src, dst, skip))

	exists, err := Exists(filepath.Join(dst, "bin", "fabric.exe"))
	require.NoError(t, err)
	require.True(t, exists)

	for _, omitted := range []string{"bin/unchanged.dll", "logs"} {
		exists, err = Exists(filepath.Join(dst, filepath.FromSlash(omitted)))
		require.NoError(t, err)
		require.False(t, exists, omitted)
	}
}

// TestCopyTree_ContextCancelled verifies a cancelled context stops the walk.
func TestCopyTree_ContextCancelled(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "src")
	writeTree(t, src, map[string]string{"a": "1", "b": "2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, CopyTree(ctx, src, filepath.Join(t.TempDir(), "dst"), nil), context.Canceled)
}

// TestReplacePath_Directory verifies a directory target is swapped wholesale.
func TestReplacePath_Directory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := filepath.Join(root, "pkg")
	staged := filepath.Join(root, "staged")

	writeTree(t, target, map[string]string{"old.txt": "old"})
	writeTree(t, staged, map[string]string{"new.txt": "new"})

	require.NoError(t, ReplacePath(staged, target, filepath.Join(root, ".trash")))

	exists, err := Exists(filepath.Join(target, "old.txt"))
	require.NoError(t, err)
	require.False(t, exists)

	data, err := os.ReadFile(filepath.Join(target, "new.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	entries, err := os.ReadDir(filepath.Join(root, ".trash"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestReplacePath_FileOverDirectory verifies a kind change is handled through the trash slot.
func TestReplacePath_FileOverDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := filepath.Join(root, "artifact")
	staged := filepath.Join(root, "staged.bin")

	writeTree(t, target, map[string]string{"inner": "x"})
	require.NoError(t, os.WriteFile(staged, []byte("file"), FileMode))

	require.NoError(t, ReplacePath(staged, target, filepath.Join(root, ".trash")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "file", string(data))
}

// interruptReplace leaves trashDir the way a process dying between the two
// renames of ReplacePath does: the old content is aside and target is missing.
func interruptReplace(t *testing.T, target, trashDir string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(trashDir, DirMode))

	slot, err := os.MkdirTemp(trashDir, "replaced-*")
	require.NoError(t, err)
	require.NoError(t, writeReplaceRecord(slot, target))
	require.NoError(t, os.Rename(target, filepath.Join(slot, "old")))

	return slot
}

// TestRecoverReplaced verifies stranded old content is restored only for abandoned
// slots whose target is missing, and that finished slots are cleared.
func TestRecoverReplaced(t *testing.T) {
	t.Parallel()

	gone := func(string, int) bool { return true }
	running := func(string, int) bool { return false }

	t.Run("restores missing target", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		target := filepath.Join(root, "Store", "pkg")
		trash := filepath.Join(root, ".trash")

		writeTree(t, target, map[string]string{"a.txt": "old"})
		interruptReplace(t, target, trash)

		restored, err := RecoverReplaced(trash, gone)
		require.NoError(t, err)
		require.Equal(t, []string{target}, restored)

		data, err := os.ReadFile(filepath.Join(target, "a.txt"))
		require.NoError(t, err)
		require.Equal(t, "old", string(data))

		entries, err := os.ReadDir(trash)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("keeps newer target", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		target := filepath.Join(root, "pkg")
		trash := filepath.Join(root, ".trash")

		writeTree(t, target, map[string]string{"a.txt": "old"})
		interruptReplace(t, target, trash)
		writeTree(t, target, map[string]string{"a.txt": "new"})

		restored, err := RecoverReplaced(trash, gone)
		require.NoError(t, err)
		require.Empty(t, restored)

		data, err := os.ReadFile(filepath.Join(target, "a.txt"))
		require.NoError(t, err)
		require.Equal(t, "new", string(data))

		entries, err := os.ReadDir(trash)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("skips live writer", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		target := filepath.Join(root, "pkg")
		trash := filepath.Join(root, ".trash")

		writeTree(t, target, map[string]string{"a.txt": "old"})
		slot := interruptReplace(t, target, trash)

		restored, err := RecoverReplaced(trash, running)
		require.NoError(t, err)
		require.Empty(t, restored)

		exists, err := Exists(target)
		require.NoError(t, err)
		require.False(t, exists)
		require.DirExists(t, filepath.Join(slot, "old"))
	})

	t.Run("missing trash", func(t *testing.T) {
		t.Parallel()

		restored, err := RecoverReplaced(filepath.Join(t.TempDir(), "absent"), gone)
		require.NoError(t, err)
		require.Empty(t, restored)
	})
}
