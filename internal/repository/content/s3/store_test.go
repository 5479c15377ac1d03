package s3

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeAPI) {
	t.Helper()

	api := newFakeAPI("fabric")

	return NewWithAPI(api, "fabric", "cluster-a", opts...), api
}

// writeTree creates files under root from a relative-path to content map.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), fsutil.DirMode))
		require.NoError(t, os.WriteFile(path, []byte(body), fsutil.FileMode))
	}
}

// keysEnding returns the stored keys with the given suffix.
func keysEnding(api *fakeAPI, suffix string) []string {
	var out []string

	for _, key := range api.keys() {
		if strings.HasSuffix(key, suffix) {
			out = append(out, key)
		}
	}

	return out
}

// generations returns the distinct folder generations stored in the bucket.
func generations(api *fakeAPI) []string {
	var out []string

	for _, key := range api.keys() {
		_, rest, ok := strings.Cut(key, "/.gen/")
		if !ok {
			continue
		}

		id, _, _ := strings.Cut(rest, "/")
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}

// generationsOf returns the distinct generations stored under prefix.
func generationsOf(api *fakeAPI, prefix string) []string {
	var out []string

	for _, key := range api.keys() {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}

		id, _, _ := strings.Cut(rest, "/")
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}

// TestStore_FolderRoundTrip verifies folder upload, download, exists and delete.
func TestStore_FolderRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, api := newTestStore(t)

	src := filepath.Join(t.TempDir(), "pkg")
	writeTree(t, src, map[string]string{"bin/a.dll": "a", "b.txt": "bb"})

	require.NoError(t, s.Upload(ctx, "Store/App/Svc.Code.1.0", src, content.AtomicCopy, false))

	ok, err := s.Exists(ctx, "Store/App/Svc.Code.1.0")
	require.NoError(t, err)
	require.True(t, ok)

	for _, key := range api.keys() {
		require.False(t, strings.Contains(key, "/.tmp/"), "staging leaked: %s", key)
	}

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Download(ctx, "Store/App/Svc.Code.1.0", dst, content.AtomicCopy))

	data, err := os.ReadFile(filepath.Join(dst, "bin", "a.dll"))
	require.NoError(t, err)
	require.Equal(t, "a", string(data))

	require.NoError(t, s.Delete(ctx, "Store/App/Svc.Code.1.0"))

	ok, err = s.Exists(ctx, "Store/App/Svc.Code.1.0")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, api.keys())

	err = s.Download(ctx, "Store/App/Svc.Code.1.0", dst, content.AtomicCopy)
	require.ErrorIs(t, err, errkind.ErrNotFound)
}

// TestStore_FileIdempotentAndConflict verifies repeated uploads succeed and divergent ones conflict.
func TestStore_FileIdempotentAndConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	dir := t.TempDir()

	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(first, []byte("version: 1"), fsutil.FileMode))
	require.NoError(t, os.WriteFile(second, []byte("version: 2"), fsutil.FileMode))

	require.NoError(t, s.Upload(ctx, "Release/ClusterManifest.1.yaml", first, content.CopyIfDifferent, true))
	require.NoError(t, s.Upload(ctx, "Release/ClusterManifest.1.yaml", first, content.CopyIfDifferent, true))

	err := s.Upload(ctx, "Release/ClusterManifest.1.yaml", second, content.AtomicCopy, false)
	require.ErrorIs(t, err, errkind.ErrConflict)

	data, err := content.ReadFile(ctx, s, "Release/ClusterManifest.1.yaml")
	require.NoError(t, err)
	require.Equal(t, "version: 1", string(data))
}

// TestStore_FolderReplaceRemovesStaleMembers verifies republishing drops files the new content lacks.
func TestStore_FolderReplaceRemovesStaleMembers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, api := newTestStore(t)

	v1 := filepath.Join(t.TempDir(), "v1")
	v2 := filepath.Join(t.TempDir(), "v2")
	writeTree(t, v1, map[string]string{"old.dll": "o", "keep.txt": "k"})
	writeTree(t, v2, map[string]string{"new.dll": "n", "keep.txt": "k2"})

	require.NoError(t, s.Upload(ctx, "pkg", v1, content.AtomicCopy, false))
	require.NoError(t, s.Upload(ctx, "pkg", v2, content.AtomicCopy, true))

	require.Empty(t, keysEnding(api, "/old.dll"))
	require.Len(t, keysEnding(api, "/new.dll"), 1)
	require.Len(t, generations(api), 1)
}

// TestStore_FailedFolderPublishKeepsPriorContent verifies that a folder write
// interrupted at any point leaves the previous content servable and no
// unreachable generation behind.
func TestStore_FailedFolderPublishKeepsPriorContent(t *testing.T) {
	t.Parallel()

	errInjected := errors.New("injected network failure")

	tests := []struct {
		name   string
		fail   func(key string) bool
		update func(ctx context.Context, s *Store, v2 string) error
	}{
		{
			name: "member upload",
			fail: func(key string) bool {
				return strings.Contains(key, "/.gen/") && strings.HasSuffix(key, "/b.txt")
			},
			update: func(ctx context.Context, s *Store, v2 string) error {
				return s.Upload(ctx, "Store/App/Pkg", v2, content.AtomicCopy, true)
			},
		},
		{
			name: "index write",
			fail: func(key string) bool {
				return key == "cluster-a/.index/Store/App/Pkg.yaml"
			},
			update: func(ctx context.Context, s *Store, v2 string) error {
				return s.Upload(ctx, "Store/App/Pkg", v2, content.AtomicCopy, true)
			},
		},
		{
			name: "member copy",
			fail: func(key string) bool {
				return strings.HasPrefix(key, "cluster-a/Store/App/Pkg/.gen/") && strings.HasSuffix(key, "/b.txt")
			},
			update: func(ctx context.Context, s *Store, v2 string) error {
				if err := s.Upload(ctx, "Staging/Pkg", v2, content.AtomicCopy, false); err != nil {
					return err
				}

				return s.Copy(ctx, "Staging/Pkg", "Store/App/Pkg", nil, content.AtomicCopy, true)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s, api := newTestStore(t)

			v1 := filepath.Join(t.TempDir(), "v1")
			v2 := filepath.Join(t.TempDir(), "v2")
			writeTree(t, v1, map[string]string{"a.txt": "old-a", "b.txt": "old-b"})
			writeTree(t, v2, map[string]string{"a.txt": "new-a", "b.txt": "new-b"})

			require.NoError(t, s.Upload(ctx, "Store/App/Pkg", v1, content.AtomicCopy, false))

			live := generations(api)
			require.Len(t, live, 1)

			api.failWrites(func(key string) error {
				if tt.fail(key) {
					return errInjected
				}

				return nil
			})

			require.Error(t, tt.update(ctx, s, v2))

			api.failWrites(nil)

			for range 3 {
				dst := filepath.Join(t.TempDir(), "out")
				require.NoError(t, s.Download(ctx, "Store/App/Pkg", dst, content.AtomicCopy))

				for name, want := range map[string]string{"a.txt": "old-a", "b.txt": "old-b"} {
					data, err := os.ReadFile(filepath.Join(dst, name))
					require.NoError(t, err)
					require.Equal(t, want, string(data))
				}
			}

			require.Equal(t, live, generationsOf(api, "cluster-a/Store/App/Pkg/.gen/"))

			// A retry once the failure clears publishes the new content.
			require.NoError(t, s.Upload(ctx, "Store/App/Pkg", v2, content.AtomicCopy, true))

			dst := filepath.Join(t.TempDir(), "retry")
			require.NoError(t, s.Download(ctx, "Store/App/Pkg", dst, content.AtomicCopy))

			got, err := os.ReadFile(filepath.Join(dst, "b.txt"))
			require.NoError(t, err)
			require.Equal(t, "new-b", string(got))
			require.NotEqual(t, live, generationsOf(api, "cluster-a/Store/App/Pkg/.gen/"))
		})
	}
}

// TestStore_FileReplacesFolder verifies a single file published over a folder
// removes the folder index and its generation.
func TestStore_FileReplacesFolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, api := newTestStore(t)

	folder := filepath.Join(t.TempDir(), "folder")
	writeTree(t, folder, map[string]string{"a.txt": "a"})

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("single"), fsutil.FileMode))

	require.NoError(t, s.Upload(ctx, "pkg", folder, content.AtomicCopy, false))
	require.NoError(t, s.Upload(ctx, "pkg", file, content.AtomicCopy, true))

	require.Equal(t, []string{"cluster-a/pkg"}, api.keys())

	data, err := content.ReadFile(ctx, s, "pkg")
	require.NoError(t, err)
	require.Equal(t, "single", string(data))
}

// TestStore_CopySkip verifies server-side copy omits skipped members and keeps digests consistent.
func TestStore_CopySkip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	src := filepath.Join(t.TempDir(), "code")
	writeTree(t, src, map[string]string{"bin/fabric.exe": "x", "bin/unchanged.dll": "y"})

	require.NoError(t, s.Upload(ctx, "Release/Fabric.6.1", src, content.AtomicCopy, false))
	require.NoError(t, s.Copy(ctx, "Release/Fabric.6.1", "Distribution/Fabric.6.1",
		[]string{"unchanged.dll"}, content.CopyIfDifferent, true))

	dst := filepath.Join(t.TempDir(), "dist")
	require.NoError(t, s.Download(ctx, "Distribution/Fabric.6.1", dst, content.AtomicCopy))

	exists, err := fsutil.Exists(filepath.Join(dst, "bin", "unchanged.dll"))
	require.NoError(t, err)
	require.False(t, exists)

	// A repeated copy with identical content is a no-op.
	require.NoError(t, s.Copy(ctx, "Release/Fabric.6.1", "Distribution/Fabric.6.1",
		[]string{"unchanged.dll"}, content.CopyIfDifferent, false))
}

// TestStore_DownloadDetectsTamperedMember verifies a member not matching the index is Transient.
func TestStore_DownloadDetectsTamperedMember(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, api := newTestStore(t)

	src := filepath.Join(t.TempDir(), "pkg")
	writeTree(t, src, map[string]string{"a.txt": "a"})
	require.NoError(t, s.Upload(ctx, "pkg", src, content.AtomicCopy, false))

	members := keysEnding(api, "/a.txt")
	require.Len(t, members, 1)

	api.mu.Lock()
	obj := api.objects[members[0]]
	obj.data = []byte("tampered")
	api.objects[members[0]] = obj
	api.mu.Unlock()

	err := s.Download(ctx, "pkg", filepath.Join(t.TempDir(), "out"), content.AtomicCopy)
	require.ErrorIs(t, err, errkind.ErrTransient)
}

// TestLease_ConditionalCreate verifies exactly one concurrent caller wins the marker.
func TestLease_ConditionalCreate(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	const callers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.TryAcquire(context.Background(), "Store/App/pkg", time.Minute)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()

				return
			}

			if !errkind.IsRetryable(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 1, wins)
}

// TestLease_StealExpired verifies an expired marker is replaced with a higher fence
// and the previous holder can no longer release it.
func TestLease_StealExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex

	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return now
	}

	s, _ := newTestStore(t, WithClock(clock))

	first, err := s.TryAcquire(ctx, ".ops/upgrade", time.Minute)
	require.NoError(t, err)

	_, err = s.TryAcquire(ctx, ".ops/upgrade", time.Minute)
	require.ErrorIs(t, err, errkind.ErrTransient)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	second, err := s.TryAcquire(ctx, ".ops/upgrade", time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.Fence+1, second.Fence)

	require.NoError(t, s.Release(ctx, first))

	holder, err := s.Holder(ctx, ".ops/upgrade")
	require.NoError(t, err)
	require.Equal(t, second.Token, holder.Token)

	require.NoError(t, s.Renew(ctx, second, time.Minute))
	require.NoError(t, s.Release(ctx, second))

	holder, err = s.Holder(ctx, ".ops/upgrade")
	require.NoError(t, err)
	require.Nil(t, holder)
}
