package provisioning

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// ToStatus converts a service error into a gRPC status error carrying the matching code.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	return status.Error(CodeOf(errkind.KindOf(err)), err.Error())
}

// CodeOf maps an error kind to a status code.
func CodeOf(kind errkind.Kind) codes.Code {
	switch kind {
	case errkind.KindNotFound:
		return codes.NotFound
	case errkind.KindConflict:
		return codes.AlreadyExists
	case errkind.KindTransient:
		return codes.Unavailable
	case errkind.KindTimeout:
		return codes.DeadlineExceeded
	case errkind.KindValidation:
		return codes.FailedPrecondition
	case errkind.KindInvalidArtifact:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// KindOf maps a status code back to an error kind.
func KindOf(code codes.Code) errkind.Kind {
	switch code {
	case codes.NotFound:
		return errkind.KindNotFound
	case codes.AlreadyExists:
		return errkind.KindConflict
	case codes.Unavailable:
		return errkind.KindTransient
	case codes.DeadlineExceeded:
		return errkind.KindTimeout
	case codes.FailedPrecondition:
		return errkind.KindValidation
	case codes.InvalidArgument:
		return errkind.KindInvalidArtifact
	default:
		return errkind.KindFatal
	}
}

// FromStatus turns an RPC error into a typed error of the mapped kind, so
// errkind.IsRetryable keeps working on the client side.
func FromStatus(method string, err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return errkind.Wrap(errkind.KindFatal, method, "", err)
	}

	return &errkind.Error{
		Kind:    KindOf(st.Code()),
		Op:      method,
		Message: st.Message(),
	}
}
