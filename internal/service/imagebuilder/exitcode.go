package imagebuilder

import (
	"errors"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/service/provision"
)

// Exit codes reported by the image-builder process.
const (
	ExitSuccess          = 0
	ExitUnexpected       = 1
	ExitInvalidArtifact  = 2
	ExitValidation       = 3
	ExitHostSettings     = 4
	ExitInvalidArguments = 5
	ExitRetryable        = 6
	ExitConflict         = 7
	ExitNotFound         = 8
	ExitNoArguments      = -1
)

// ExitCode classifies err into the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrNoArguments):
		return ExitNoArguments
	case errors.Is(err, errInvalidArguments):
		return ExitInvalidArguments
	case errors.Is(err, provision.ErrHostSettings):
		return ExitHostSettings
	}

	switch errkind.KindOf(err) {
	case errkind.KindInvalidArtifact:
		return ExitInvalidArtifact
	case errkind.KindValidation:
		return ExitValidation
	case errkind.KindTimeout, errkind.KindTransient:
		return ExitRetryable
	case errkind.KindConflict:
		return ExitConflict
	case errkind.KindNotFound:
		return ExitNotFound
	default:
		return ExitUnexpected
	}
}

// Message returns the text reported in the errorDetails file. A typed error
// with only a message reports just that message, which keeps settings
// violations readable.
func Message(err error) string {
	var typed *errkind.Error
	if errors.As(err, &typed) && typed.Message != "" && typed.Err == nil && len(typed.Details) == 0 {
		return typed.Message
	}

	return err.Error()
}
