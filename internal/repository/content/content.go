package content

import (
	"context"
	"time"
)

// CopyFlag selects how a transfer treats an existing destination.
type CopyFlag uint8

const (
	// AtomicCopy replaces the destination wholesale; readers see old or new, never a mix.
	AtomicCopy CopyFlag = iota
	// CopyIfDifferent skips the transfer when the destination already holds identical content.
	CopyIfDifferent
)

// String returns the flag name used in logs and metrics.
func (f CopyFlag) String() string {
	if f == CopyIfDifferent {
		return "copy-if-different"
	}

	return "atomic-copy"
}

// Store is the tag-addressed content contract. Every call is bounded by the
// deadline carried in ctx; an expired deadline surfaces as errkind.KindTimeout.
type Store interface {
	// Exists reports whether tag currently resolves to content.
	Exists(ctx context.Context, tag string) (bool, error)
	// Upload stages source (file or directory) inside the store and publishes it under tag.
	Upload(ctx context.Context, tag, source string, flag CopyFlag, overwrite bool) error
	// Download materialises tag at destination, replacing it atomically.
	Download(ctx context.Context, tag, destination string, flag CopyFlag) error
	// Copy duplicates srcTag to dstTag inside the store, omitting skip entries.
	Copy(ctx context.Context, srcTag, dstTag string, skip []string, flag CopyFlag, overwrite bool) error
	// Delete removes everything under tag; deleting an absent tag succeeds.
	Delete(ctx context.Context, tag string) error
}

// Lease is a transfer marker held by one writer.
type Lease struct {
	// Tag is the content tag (or operation name) the lease guards.
	Tag string `yaml:"tag"`
	// Token is the holder's secret; only its owner can renew or release the lease.
	Token string `yaml:"token"`
	// Fence increases every time the lease is stolen from an expired holder.
	Fence int64 `yaml:"fence"`
	// Host is the hostname of the holder process.
	Host string `yaml:"host"`
	// PID is the holder process id, used to detect crashed holders on the same host.
	PID int `yaml:"pid"`
	// AcquiredAt is when the lease was first taken.
	AcquiredAt time.Time `yaml:"acquired_at"`
	// ExpiresAt is when the lease lapses unless renewed.
	ExpiresAt time.Time `yaml:"expires_at"`
	// Version is backend bookkeeping for compare-and-swap (an ETag on S3); never persisted.
	Version string `yaml:"-"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Leaser is the conditional-create primitive behind transfer markers.
type Leaser interface {
	// TryAcquire creates the marker for tag or fails with errkind.KindTransient when it is held.
	TryAcquire(ctx context.Context, tag string, ttl time.Duration) (*Lease, error)
	// Renew extends a held lease; it fails when the lease was lost.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release removes the marker if it still belongs to lease.
	Release(ctx context.Context, lease *Lease) error
	// Holder returns the live lease on tag, or nil when the tag is free or the lease has expired.
	Holder(ctx context.Context, tag string) (*Lease, error)
}

// Backend is a complete store implementation: content operations plus markers.
type Backend interface {
	Store
	Leaser

	// Name identifies the backend in logs and metrics, e.g. "local" or "s3".
	Name() string
	// Close releases backend resources.
	Close() error
}
