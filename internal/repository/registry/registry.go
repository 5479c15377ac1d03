package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

const (
	// lockName is the operation lease serialising read-modify-write cycles.
	lockName = "registry"

	lockAttempts = 40
	lockBackoff  = 50 * time.Millisecond
)

// Lock is a held operation lease.
type Lock interface {
	// Check fails once the lease has been lost.
	Check() error
	// Release drops the lease.
	Release()
}

// Locker acquires the named operation lease or fails with Transient when it is held.
type Locker func(ctx context.Context, name string) (Lock, error)

// Index is the registry document: every known fabric version and the current one.
type Index struct {
	// Current is the version the cluster runs, nil before the first upgrade.
	Current *fabric.Version `yaml:"current,omitempty"`
	// Versions lists records in registration order.
	Versions []*fabric.Record `yaml:"versions"`
}

// Find returns the record of v, or nil.
func (i *Index) Find(v fabric.Version) *fabric.Record {
	for _, r := range i.Versions {
		if r.Version == v {
			return r
		}
	}

	return nil
}

// Put inserts or replaces the record of r.Version.
func (i *Index) Put(r *fabric.Record) {
	for n, existing := range i.Versions {
		if existing.Version == r.Version {
			i.Versions[n] = r

			return
		}
	}

	i.Versions = append(i.Versions, r)
}

// Remove deletes the record of v and reports whether it existed.
func (i *Index) Remove(v fabric.Version) bool {
	for n, existing := range i.Versions {
		if existing.Version == v {
			i.Versions = append(i.Versions[:n], i.Versions[n+1:]...)

			return true
		}
	}

	return false
}

// Clone returns a deep copy.
func (i *Index) Clone() *Index {
	out := &Index{Versions: make([]*fabric.Record, 0, len(i.Versions))}

	if i.Current != nil {
		current := *i.Current
		out.Current = &current
	}

	for _, r := range i.Versions {
		out.Versions = append(out.Versions, r.Clone())
	}

	return out
}

// Registry persists the Index as a YAML document in the content store, so
// every provisioner sharing the store sees the same versions.
type Registry struct {
	store content.Store
	lock  Locker
	tag   string
}

// New returns a registry stored at fabric.RegistryTag.
func New(store content.Store, lock Locker) *Registry {
	return &Registry{store: store, lock: lock, tag: fabric.RegistryTag}
}

// Load reads the index. A registry that was never written is empty.
func (r *Registry) Load(ctx context.Context) (*Index, error) {
	data, err := content.ReadFile(ctx, r.store, r.tag)

	switch {
	case errors.Is(err, errkind.ErrNotFound):
		return &Index{}, nil
	case err != nil:
		return nil, err
	}

	var idx Index
	if err = yaml.Unmarshal(data, &idx); err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "load registry", r.tag, err)
	}

	return &idx, nil
}

// Get returns the record of v or a NotFound error.
func (r *Registry) Get(ctx context.Context, v fabric.Version) (*fabric.Record, error) {
	idx, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}

	record := idx.Find(v)
	if record == nil {
		return nil, errkind.New(errkind.KindNotFound, "registry", v.String(), "fabric version is not registered")
	}

	return record, nil
}

// Update runs fn on a copy of the index under the registry lease and stores
// the result. Nothing is written when fn fails.
func (r *Registry) Update(ctx context.Context, fn func(idx *Index) error) (*Index, error) {
	lock, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}

	defer lock.Release()

	current, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err = fn(next); err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal registry: %w", err)
	}

	if err = lock.Check(); err != nil {
		return nil, err
	}

	if err = content.WriteFile(ctx, r.store, r.tag, data, true); err != nil {
		return nil, err
	}

	return next, nil
}

// acquire waits briefly for a concurrent update to finish; the critical section is short.
func (r *Registry) acquire(ctx context.Context) (Lock, error) {
	var err error

	for attempt := range lockAttempts {
		var lock Lock

		lock, err = r.lock(ctx, lockName)
		if err == nil {
			return lock, nil
		}

		if !errors.Is(err, errkind.ErrTransient) {
			return nil, err
		}

		logger.DebugKV(ctx, "Registry is locked, waiting", "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return nil, errkind.FromContext(ctx, "registry", lockName)
		case <-time.After(lockBackoff):
		}
	}

	return nil, err
}
