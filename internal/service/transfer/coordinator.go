package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

const (
	// DefaultLeaseTTL is used when Options.LeaseTTL is zero.
	DefaultLeaseTTL = 2 * time.Minute

	// releaseTimeout bounds marker release after the caller's context is gone.
	releaseTimeout = 30 * time.Second
)

// errLeaseLost is the cancellation cause when a marker could not be renewed.
var errLeaseLost = errors.New("transfer marker was lost during the operation")

// Options configures a Coordinator.
type Options struct {
	// LeaseTTL is the marker lifetime; it is renewed every third of it.
	LeaseTTL time.Duration
	// Timeout is applied to calls whose context carries no deadline; zero disables it.
	Timeout time.Duration
	// Metrics receives operation counters; nil disables them.
	Metrics *metrics.Metrics
}

// Coordinator serialises writers per tag with transfer markers and rejects
// reads of tags that are being written. It implements content.Store.
type Coordinator struct {
	backend content.Backend
	ttl     time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
}

var _ content.Store = (*Coordinator)(nil)

// New wraps backend.
func New(backend content.Backend, opts Options) *Coordinator {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	return &Coordinator{
		backend: backend,
		ttl:     ttl,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

// Backend returns the wrapped backend.
func (c *Coordinator) Backend() content.Backend {
	return c.backend
}

// Exists implements content.Store. A tag with an active writer is reported as Transient.
func (c *Coordinator) Exists(ctx context.Context, tag string) (ok bool, err error) {
	const op = "exists"

	ctx, cancel := c.bound(ctx)
	defer cancel()

	defer c.observe(ctx, op, tag, time.Now(), &err)

	clean, err := content.CleanTag(tag)
	if err != nil {
		return false, err
	}

	if err = c.ensureFree(ctx, op, clean); err != nil {
		return false, err
	}

	return c.backend.Exists(ctx, clean)
}

// Upload implements content.Store under the destination marker.
func (c *Coordinator) Upload(
	ctx context.Context,
	tag, source string,
	flag content.CopyFlag,
	overwrite bool,
) (err error) {
	const op = "upload"

	ctx, cancel := c.bound(ctx)
	defer cancel()

	defer c.observe(ctx, op, tag, time.Now(), &err)

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	return c.withLease(ctx, op, clean, func(ctx context.Context) error {
		return c.backend.Upload(ctx, clean, source, flag, overwrite)
	})
}

// Download implements content.Store. The marker is checked before and after
// the transfer, so a writer that overlapped the read turns it into a Transient error.
func (c *Coordinator) Download(ctx context.Context, tag, destination string, flag content.CopyFlag) (err error) {
	const op = "download"

	ctx, cancel := c.bound(ctx)
	defer cancel()

	defer c.observe(ctx, op, tag, time.Now(), &err)

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if err = c.ensureFree(ctx, op, clean); err != nil {
		return err
	}

	downloadErr := c.backend.Download(ctx, clean, destination, flag)

	if err = c.ensureFree(ctx, op, clean); err != nil {
		return err
	}

	return downloadErr
}

// Copy implements content.Store. The source must not be mid-upload; the destination marker is held.
func (c *Coordinator) Copy(
	ctx context.Context,
	srcTag, dstTag string,
	skip []string,
	flag content.CopyFlag,
	overwrite bool,
) (err error) {
	const op = "copy"

	ctx, cancel := c.bound(ctx)
	defer cancel()

	defer c.observe(ctx, op, dstTag, time.Now(), &err)

	src, err := content.CleanTag(srcTag)
	if err != nil {
		return err
	}

	dst, err := content.CleanTag(dstTag)
	if err != nil {
		return err
	}

	if err = c.ensureFree(ctx, op, src); err != nil {
		return err
	}

	return c.withLease(ctx, op, dst, func(ctx context.Context) error {
		if err := c.backend.Copy(ctx, src, dst, skip, flag, overwrite); err != nil {
			return err
		}

		// The source gained a writer while it was copied.
		return c.ensureFree(ctx, op, src)
	})
}

// Delete implements content.Store under the tag's marker.
func (c *Coordinator) Delete(ctx context.Context, tag string) (err error) {
	const op = "delete"

	ctx, cancel := c.bound(ctx)
	defer cancel()

	defer c.observe(ctx, op, tag, time.Now(), &err)

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	return c.withLease(ctx, op, clean, func(ctx context.Context) error {
		return c.backend.Delete(ctx, clean)
	})
}

// withLease runs fn while holding the marker on tag. A held marker fails
// immediately with Transient; there is no automatic retry.
func (c *Coordinator) withLease(ctx context.Context, op, tag string, fn func(ctx context.Context) error) error {
	lease, err := c.backend.TryAcquire(ctx, tag, c.ttl)
	if err != nil {
		if errors.Is(err, errkind.ErrTransient) {
			c.metrics.LeaseBusy(op)
		}

		return err
	}

	c.metrics.LeaseAcquired()

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := c.keepAlive(ctx, lease, cancel)

	defer func() {
		stop()
		cancel(nil)
		c.release(ctx, lease)
	}()

	err = fn(runCtx)
	if err != nil && errors.Is(context.Cause(runCtx), errLeaseLost) {
		return errkind.Wrap(errkind.KindTransient, op, tag, errLeaseLost)
	}

	return err
}

// keepAlive renews lease every ttl/3 until the returned stop function is called.
// A lost lease cancels the operation through onLost.
func (c *Coordinator) keepAlive(
	ctx context.Context,
	lease *content.Lease,
	onLost context.CancelCauseFunc,
) (stop func()) {
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var wg conc.WaitGroup

	wg.Go(func() {
		ticker := time.NewTicker(max(c.ttl/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
			}

			err := c.backend.Renew(renewCtx, lease, c.ttl)
			if err == nil || renewCtx.Err() != nil {
				continue
			}

			logger.WarnKV(ctx, "Transfer marker renewal failed", "tag", lease.Tag, "error", err)

			if errors.Is(err, errkind.ErrTransient) {
				onLost(errLeaseLost)

				return
			}
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}
}

// release drops the marker on every exit path, detached from the caller's cancellation.
func (c *Coordinator) release(ctx context.Context, lease *content.Lease) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	c.metrics.LeaseReleased()

	if err := c.backend.Release(releaseCtx, lease); err != nil {
		logger.WarnKV(ctx, "Failed to release transfer marker", "tag", lease.Tag, "error", err)
	}
}

// ensureFree fails with Transient while a live marker exists on tag.
func (c *Coordinator) ensureFree(ctx context.Context, op, tag string) error {
	holder, err := c.backend.Holder(ctx, tag)
	if err != nil {
		return err
	}

	if holder != nil {
		c.metrics.LeaseBusy(op)

		return content.Busy(op, tag, holder)
	}

	return nil
}

// bound applies the default timeout when ctx has no deadline.
func (c *Coordinator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.timeout)
}

// observe logs and counts a finished operation.
func (c *Coordinator) observe(ctx context.Context, op, tag string, start time.Time, errp *error) {
	err := *errp
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errkind.ErrTimeout) {
			err = content.Fail(op, tag, err)
			*errp = err
		}
	}

	c.metrics.ObserveStoreOp(op, start, err)

	switch {
	case err == nil:
		logger.DebugKV(ctx, "Store operation finished", "op", op, "tag", tag, "backend", c.backend.Name(),
			"duration", time.Since(start))
	case errkind.IsRetryable(err):
		logger.WarnKV(ctx, "Store operation is retryable", "op", op, "tag", tag, "error", err)
	default:
		logger.WarnKV(ctx, "Store operation failed", "op", op, "tag", tag, "error", err)
	}
}
