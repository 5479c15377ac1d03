package content

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// Fail classifies a backend error for op on tag. Typed errors pass through unchanged,
// context errors become Timeout and missing paths become NotFound.
func Fail(op, tag string, err error) error {
	if err == nil {
		return nil
	}

	var typed *errkind.Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &errkind.Error{
			Kind:    errkind.KindTimeout,
			Op:      op,
			Subject: tag,
			Message: "deadline exceeded, outcome unknown",
			Err:     err,
		}
	case errors.Is(err, ErrChecksumMismatch):
		return errkind.Wrap(errkind.KindTransient, op, tag, err)
	case errors.Is(err, fs.ErrNotExist):
		return errkind.Wrap(errkind.KindNotFound, op, tag, err)
	default:
		return errkind.Wrap(errkind.KindFatal, op, tag, err)
	}
}

// NotFound reports that tag does not exist.
func NotFound(op, tag string) error {
	return errkind.New(errkind.KindNotFound, op, tag, "tag does not exist")
}

// Busy reports that tag is held by another writer.
func Busy(op, tag string, holder *Lease) error {
	if holder == nil {
		return errkind.New(errkind.KindTransient, op, tag, "a transfer is in progress")
	}

	return errkind.New(errkind.KindTransient, op, tag,
		"a transfer by %s (pid %d) is in progress until %s",
		holder.Host, holder.PID, holder.ExpiresAt.Format(time.RFC3339))
}

// Diverged reports that overwrite was disallowed for a tag holding different content.
func Diverged(op, tag string) error {
	return errkind.New(errkind.KindConflict, op, tag, "tag already holds different content and overwrite is disabled")
}
