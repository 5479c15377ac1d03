package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

const (
	leaseSuffix = ".lease"
	stealSuffix = ".steal"

	// acquireAttempts bounds retries when a marker vanishes between create and read.
	acquireAttempts = 3
)

// TryAcquire implements content.Leaser. The marker file is created with
// O_EXCL, so exactly one concurrent caller wins.
func (s *Store) TryAcquire(ctx context.Context, tag string, ttl time.Duration) (*content.Lease, error) {
	const op = "acquire"

	clean, err := content.CleanLeaseTag(tag)
	if err != nil {
		return nil, err
	}

	path := s.markerPath(clean)

	for range acquireAttempts {
		if err = errkind.FromContext(ctx, op, clean); err != nil {
			return nil, err
		}

		now := s.now()
		lease := s.newLease(clean, 1, now, ttl)

		err = writeMarker(path, lease, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err == nil {
			return lease, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, content.Fail(op, clean, err)
		}

		current, err := readMarker(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, content.Fail(op, clean, err)
		}

		if !s.stale(current, now) {
			return nil, content.Busy(op, clean, current)
		}

		stolen, err := s.steal(path, current, ttl)
		if err != nil {
			return nil, content.Fail(op, clean, err)
		}

		if stolen != nil {
			return stolen, nil
		}
	}

	return nil, content.Busy(op, clean, nil)
}

// Renew implements content.Leaser.
func (s *Store) Renew(ctx context.Context, lease *content.Lease, ttl time.Duration) error {
	const op = "renew"

	if err := errkind.FromContext(ctx, op, lease.Tag); err != nil {
		return err
	}

	path := s.markerPath(lease.Tag)

	current, err := readMarker(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return content.Fail(op, lease.Tag, err)
	}

	if current == nil || current.Token != lease.Token {
		return errkind.New(errkind.KindTransient, op, lease.Tag, "lease was lost")
	}

	lease.ExpiresAt = s.now().Add(ttl)

	data, err := yaml.Marshal(lease)
	if err != nil {
		return content.Fail(op, lease.Tag, err)
	}

	return content.Fail(op, lease.Tag, fsutil.AtomicWrite(path, data, fsutil.FileMode))
}

// Release implements content.Leaser. A marker owned by someone else is left alone.
func (s *Store) Release(_ context.Context, lease *content.Lease) error {
	const op = "release"

	path := s.markerPath(lease.Tag)

	current, err := readMarker(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return content.Fail(op, lease.Tag, err)
	case current.Token != lease.Token:
		return nil
	}

	if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return content.Fail(op, lease.Tag, err)
	}

	return nil
}

// Holder implements content.Leaser.
func (s *Store) Holder(ctx context.Context, tag string) (*content.Lease, error) {
	const op = "holder"

	clean, err := content.CleanLeaseTag(tag)
	if err != nil {
		return nil, err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return nil, err
	}

	current, err := readMarker(s.markerPath(clean))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, content.Fail(op, clean, err)
	case s.stale(current, s.now()):
		return nil, nil
	default:
		return current, nil
	}
}

// steal replaces a stale marker. A steal lock created with O_EXCL keeps two
// stealers from both succeeding; the marker is re-read under that lock.
// It returns nil without error when another caller got there first.
func (s *Store) steal(path string, stale *content.Lease, ttl time.Duration) (*content.Lease, error) {
	lockPath := path + stealSuffix

	lock, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fsutil.FileMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.clearAbandonedStealLock(lockPath, ttl)
			return nil, nil
		}

		return nil, err
	}

	_ = lock.Close()

	defer func() {
		_ = os.Remove(lockPath)
	}()

	current, err := readMarker(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	now := s.now()

	if current != nil && (current.Token != stale.Token || !s.stale(current, now)) {
		return nil, nil
	}

	if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	lease := s.newLease(stale.Tag, stale.Fence+1, now, ttl)

	err = writeMarker(path, lease, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if errors.Is(err, fs.ErrExist) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return lease, nil
}

// clearAbandonedStealLock removes a steal lock left by a crashed stealer.
func (s *Store) clearAbandonedStealLock(lockPath string, ttl time.Duration) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return
	}

	if s.now().Sub(info.ModTime()) > ttl {
		_ = os.Remove(lockPath)
	}
}

// stale reports whether a lease no longer protects its tag: it expired, or
// its holder was a process on this host that is gone.
func (s *Store) stale(lease *content.Lease, now time.Time) bool {
	if lease.Expired(now) {
		return true
	}

	return lease.Host == s.host && lease.PID != s.pid && !s.alive(lease.PID)
}

func (s *Store) newLease(tag string, fence int64, now time.Time, ttl time.Duration) *content.Lease {
	return &content.Lease{
		Tag:        tag,
		Token:      uuid.NewString(),
		Fence:      fence,
		Host:       s.host,
		PID:        s.pid,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func (s *Store) markerPath(tag string) string {
	return filepath.Join(s.root, content.MarkerPrefix, content.EscapeTag(tag)+leaseSuffix)
}

// writeMarker writes the lease record with the given open flags.
func writeMarker(path string, lease *content.Lease, flag int) error {
	data, err := yaml.Marshal(lease)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Clean(path), flag, fsutil.FileMode)
	if err != nil {
		return err
	}

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return fmt.Errorf("write marker: %w", err)
	}

	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return fmt.Errorf("sync marker: %w", err)
	}

	return f.Close()
}

// readMarker loads a lease record. A marker caught mid-write (empty) is reported as held
// with a short grace period rather than parsed as garbage.
func readMarker(path string) (*content.Lease, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var lease content.Lease
	if len(data) == 0 {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, statErr
		}

		lease.ExpiresAt = info.ModTime().Add(time.Minute)

		return &lease, nil
	}

	if err = yaml.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parse marker %s: %w", path, err)
	}

	return &lease, nil
}
