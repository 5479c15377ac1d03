package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

// Hold is an operation-level lease spanning several store calls.
type Hold struct {
	c     *Coordinator
	ctx   context.Context
	lease *content.Lease
	stop  func()
	once  sync.Once

	lost     chan struct{}
	lostOnce sync.Once
}

// Hold acquires the lease guarding the named operation (".ops/<name>") and
// keeps it renewed until Release. A held lease fails with Transient.
func (c *Coordinator) Hold(ctx context.Context, name string) (*Hold, error) {
	const op = "hold"

	tag, err := content.OperationTag(name)
	if err != nil {
		return nil, err
	}

	lease, err := c.backend.TryAcquire(ctx, tag, c.ttl)
	if err != nil {
		if errors.Is(err, errkind.ErrTransient) {
			c.metrics.LeaseBusy(op)
		}

		return nil, err
	}

	c.metrics.LeaseAcquired()

	h := &Hold{
		c:     c,
		ctx:   ctx,
		lease: lease,
		lost:  make(chan struct{}),
	}

	h.stop = c.keepAlive(ctx, lease, func(error) {
		h.lostOnce.Do(func() { close(h.lost) })
	})

	logger.DebugKV(ctx, "Operation lease acquired", "operation", name, "fence", lease.Fence)

	return h, nil
}

// Lease returns the underlying lease.
func (h *Hold) Lease() *content.Lease {
	return h.lease
}

// Lost is closed if renewal failed and the lease may now belong to someone else.
func (h *Hold) Lost() <-chan struct{} {
	return h.lost
}

// Check returns a Transient error once the lease has been lost.
func (h *Hold) Check() error {
	select {
	case <-h.lost:
		return errkind.Wrap(errkind.KindTransient, "hold", h.lease.Tag, errLeaseLost)
	default:
		return nil
	}
}

// Release stops renewal and drops the lease. It is safe to call more than once.
func (h *Hold) Release() {
	h.once.Do(func() {
		h.stop()
		h.c.release(h.ctx, h.lease)
	})
}
