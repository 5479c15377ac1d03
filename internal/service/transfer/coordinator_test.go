package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/content/local"
)

// blockingBackend pauses uploads until released, so tests can observe a writer mid-publish.
type blockingBackend struct {
	content.Backend

	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func newBlockingBackend(inner content.Backend) *blockingBackend {
	return &blockingBackend{
		Backend: inner,
		entered: make(chan struct{}),
		proceed: make(chan struct{}),
	}
}

func (b *blockingBackend) Upload(ctx context.Context, tag, source string, flag content.CopyFlag, overwrite bool) error {
	b.once.Do(func() { close(b.entered) })

	select {
	case <-b.proceed:
	case <-ctx.Done():
		return ctx.Err()
	}

	return b.Backend.Upload(ctx, tag, source, flag, overwrite)
}

func newLocal(t *testing.T) *local.Store {
	t.Helper()

	s, err := local.New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	return s
}

func writeSource(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte(body), fsutil.FileMode))

	return path
}

// TestCoordinator_ExistsAfterUploadNotAfterDelete verifies the basic store round trip through markers.
func TestCoordinator_ExistsAfterUploadNotAfterDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newLocal(t), Options{LeaseTTL: time.Minute})

	require.NoError(t, c.Upload(ctx, "Store/App/Svc.Code.1.0", writeSource(t, "x"), content.AtomicCopy, false))

	ok, err := c.Exists(ctx, "Store/App/Svc.Code.1.0")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Delete(ctx, "Store/App/Svc.Code.1.0"))

	ok, err = c.Exists(ctx, "Store/App/Svc.Code.1.0")
	require.NoError(t, err)
	require.False(t, ok)

	holder, err := c.Backend().Holder(ctx, "Store/App/Svc.Code.1.0")
	require.NoError(t, err)
	require.Nil(t, holder)
}

// TestCoordinator_IdempotentUpload verifies two identical CopyIfDifferent uploads both succeed.
func TestCoordinator_IdempotentUpload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newLocal(t), Options{})
	src := writeSource(t, "same")

	require.NoError(t, c.Upload(ctx, "t", src, content.CopyIfDifferent, true))
	require.NoError(t, c.Upload(ctx, "t", src, content.CopyIfDifferent, true))

	data, err := content.ReadFile(ctx, c, "t")
	require.NoError(t, err)
	require.Equal(t, "same", string(data))
}

// TestCoordinator_MutualExclusion verifies a second writer on the same tag gets exactly one Transient error
// and that reads are refused while the first writer is mid-publish.
func TestCoordinator_MutualExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := metrics.New()
	inner := newLocal(t)
	blocking := newBlockingBackend(inner)
	c := New(blocking, Options{LeaseTTL: time.Minute, Metrics: m})

	require.NoError(t, New(inner, Options{}).Upload(ctx, "t", writeSource(t, "old"), content.AtomicCopy, false))

	firstDone := make(chan error, 1)

	go func() {
		firstDone <- c.Upload(ctx, "t", writeSource(t, "new"), content.AtomicCopy, true)
	}()

	<-blocking.entered

	err := c.Upload(ctx, "t", writeSource(t, "other"), content.AtomicCopy, true)
	require.ErrorIs(t, err, errkind.ErrTransient)
	require.True(t, errkind.IsRetryable(err))

	_, err = c.Exists(ctx, "t")
	require.ErrorIs(t, err, errkind.ErrTransient)

	err = c.Download(ctx, "t", filepath.Join(t.TempDir(), "out"), content.AtomicCopy)
	require.ErrorIs(t, err, errkind.ErrTransient)

	err = c.Copy(ctx, "t", "copy-of-t", nil, content.AtomicCopy, true)
	require.ErrorIs(t, err, errkind.ErrTransient)

	close(blocking.proceed)
	require.NoError(t, <-firstDone)

	data, err := content.ReadFile(ctx, c, "t")
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	expected := `
# HELP fabric_provisioner_store_lease_busy_total Operations rejected because another writer held the transfer marker.
# TYPE fabric_provisioner_store_lease_busy_total counter
fabric_provisioner_store_lease_busy_total{op="copy"} 1
fabric_provisioner_store_lease_busy_total{op="download"} 1
fabric_provisioner_store_lease_busy_total{op="exists"} 1
fabric_provisioner_store_lease_busy_total{op="upload"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"fabric_provisioner_store_lease_busy_total"))
}

// TestCoordinator_ReadDuringWrite verifies a reader observes either old content or a retryable error, never new
// content mixed with old.
func TestCoordinator_ReadDuringWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := newLocal(t)
	c := New(inner, Options{LeaseTTL: time.Minute})

	oldDir := filepath.Join(t.TempDir(), "old")
	newDir := filepath.Join(t.TempDir(), "new")

	for i := range 20 {
		name := filepath.Join("bin", "f"+string(rune('a'+i))+".dll")
		require.NoError(t, os.MkdirAll(filepath.Join(oldDir, "bin"), fsutil.DirMode))
		require.NoError(t, os.MkdirAll(filepath.Join(newDir, "bin"), fsutil.DirMode))
		require.NoError(t, os.WriteFile(filepath.Join(oldDir, name), []byte("old"), fsutil.FileMode))
		require.NoError(t, os.WriteFile(filepath.Join(newDir, name), []byte("new"), fsutil.FileMode))
	}

	require.NoError(t, c.Upload(ctx, "pkg", oldDir, content.AtomicCopy, false))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range 5 {
			src := oldDir
			if i%2 == 0 {
				src = newDir
			}

			// Busy results are expected while readers race the writer.
			_ = c.Upload(ctx, "pkg", src, content.AtomicCopy, true)
		}
	}()

	for range 20 {
		dst := filepath.Join(t.TempDir(), "out")

		err := c.Download(ctx, "pkg", dst, content.AtomicCopy)
		if err != nil {
			require.True(t, errkind.IsRetryable(err), "unexpected error: %v", err)
			continue
		}

		entries, err := os.ReadDir(filepath.Join(dst, "bin"))
		require.NoError(t, err)
		require.Len(t, entries, 20)

		first, err := os.ReadFile(filepath.Join(dst, "bin", entries[0].Name()))
		require.NoError(t, err)

		for _, entry := range entries {
			data, err := os.ReadFile(filepath.Join(dst, "bin", entry.Name()))
			require.NoError(t, err)
			require.Equal(t, string(first), string(data), "torn read")
		}
	}

	wg.Wait()
}

// TestCoordinator_ReleasesOnFailure verifies the marker is dropped when the transfer fails.
func TestCoordinator_ReleasesOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newLocal(t), Options{})

	err := c.Upload(ctx, "t", filepath.Join(t.TempDir(), "missing"), content.AtomicCopy, false)
	require.ErrorIs(t, err, errkind.ErrNotFound)

	holder, err := c.Backend().Holder(ctx, "t")
	require.NoError(t, err)
	require.Nil(t, holder)
}

// TestCoordinator_DefaultTimeout verifies calls without a deadline are bounded.
func TestCoordinator_DefaultTimeout(t *testing.T) {
	t.Parallel()

	inner := newLocal(t)
	blocking := newBlockingBackend(inner)
	c := New(blocking, Options{Timeout: 50 * time.Millisecond})

	err := c.Upload(context.Background(), "t", writeSource(t, "x"), content.AtomicCopy, false)
	require.ErrorIs(t, err, errkind.ErrTimeout)
	require.True(t, errkind.IsRetryable(err))

	holder, err := inner.Holder(context.Background(), "t")
	require.NoError(t, err)
	require.Nil(t, holder)
}

// TestCoordinator_Hold verifies operation leases are exclusive and released.
func TestCoordinator_Hold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(newLocal(t), Options{LeaseTTL: 30 * time.Millisecond})

	h, err := c.Hold(ctx, "upgrade")
	require.NoError(t, err)
	require.Equal(t, ".ops/upgrade", h.Lease().Tag)

	// Renewal keeps the lease alive well past its TTL.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.Check())

	_, err = c.Hold(ctx, "upgrade")
	require.ErrorIs(t, err, errkind.ErrTransient)

	h.Release()
	h.Release()

	h2, err := c.Hold(ctx, "upgrade")
	require.NoError(t, err)
	h2.Release()
}
