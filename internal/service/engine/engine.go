package engine

import (
	"context"
	"fmt"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/content/backend"
	"github.com/oshokin/fabric-provisioner/internal/repository/fpcache"
	"github.com/oshokin/fabric-provisioner/internal/service/builder"
	"github.com/oshokin/fabric-provisioner/internal/service/provision"
	"github.com/oshokin/fabric-provisioner/internal/service/transfer"
)

// Options overrides collaborators of an Engine.
type Options struct {
	// StoreAddress replaces cfg.StoreAddress when set.
	StoreAddress string
	// Metrics is shared by every component; nil disables metrics.
	Metrics *metrics.Metrics
	// Verifier checks code artifact signatures; nil uses cfg.SignaturePublicKey,
	// and accepts everything when no key is configured.
	Verifier provision.SignatureVerifier
	// HostSettings replaces the file writer configured by cfg.HostSettingsFile.
	HostSettings provision.HostSettings
	// OpenBackend replaces backend.Open, mostly for tests.
	OpenBackend func(ctx context.Context, address string, defaults config.S3Config) (content.Backend, error)
}

// Engine bundles the store and the services built on it.
type Engine struct {
	Store    *transfer.Coordinator
	Builder  *builder.Builder
	Pipeline *provision.Pipeline
	Metrics  *metrics.Metrics

	cache *fpcache.Cache
}

// Open connects to the configured store and wires the builder and the provisioning pipeline.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	address := cfg.StoreAddress
	if opts.StoreAddress != "" {
		address = opts.StoreAddress
	}

	open := opts.OpenBackend
	if open == nil {
		open = backend.Open
	}

	b, err := open(ctx, address, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", address, err)
	}

	e := &Engine{
		Store: transfer.New(b, transfer.Options{
			LeaseTTL: cfg.LeaseTTL,
			Timeout:  cfg.Timeout,
			Metrics:  opts.Metrics,
		}),
		Metrics: opts.Metrics,
	}

	verifier := opts.Verifier
	if verifier == nil && cfg.SignaturePublicKey != "" {
		if verifier, err = provision.NewMinisignVerifier(cfg.SignaturePublicKey); err != nil {
			return nil, err
		}
	}

	if cfg.FingerprintCache != "" {
		if e.cache, err = fpcache.Open(cfg.FingerprintCache); err != nil {
			return nil, err
		}
	}

	e.Builder, err = builder.New(e.Store, builder.Options{
		Parallelism:    cfg.BuildParallelism,
		ConflictPolicy: cfg.ConflictPolicy,
		Cache:          e.cache,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		_ = e.Close()

		return nil, err
	}

	hostSettings := opts.HostSettings
	if hostSettings == nil {
		hostSettings = provision.FileHostSettings{Path: cfg.HostSettingsFile}
	}

	e.Pipeline = provision.New(e.Store, provision.Options{
		Verifier:     verifier,
		HostSettings: hostSettings,
		Metrics:      opts.Metrics,
	})

	logger.DebugKV(ctx, "Store opened", "backend", b.Name(), "address", address,
		"fingerprint_cache", cfg.FingerprintCache)

	return e, nil
}

// Close releases the fingerprint cache.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}

	return e.cache.Close()
}
