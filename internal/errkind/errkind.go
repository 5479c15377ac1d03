package errkind

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers deciding whether to retry, report or abort.
type Kind uint8

const (
	// KindFatal covers malformed inputs to the pipeline and internal invariant failures.
	KindFatal Kind = iota
	// KindTimeout means the caller's deadline expired; the outcome of the operation is unknown.
	KindTimeout
	// KindTransient means an in-flight conflicting operation was detected on the same tag.
	KindTransient
	// KindNotFound means the referenced content does not exist.
	KindNotFound
	// KindConflict means an overwrite was disallowed or content diverged under an unchanged version.
	KindConflict
	// KindValidation means manifest, argument or settings-upgrade rules were violated.
	KindValidation
	// KindInvalidArtifact means a code artifact failed format or signature validation.
	KindInvalidArtifact
)

// String returns the stable lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindInvalidArtifact:
		return "invalid artifact"
	default:
		return "fatal"
	}
}

// Retryable reports whether an identical retry may succeed.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindTransient
}

// Error is the typed error returned by the store, builder and provisioning pipeline.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the operation, e.g. "upload" or "build".
	Op string
	// Subject is the tag, package or parameter the failure is about.
	Subject string
	// Message is a human-readable detail.
	Message string
	// Err is the underlying cause, if any.
	Err error
	// Details holds aggregated sub-failures, reported together.
	Details []error
}

// Sentinels for errors.Is checks by kind.
var (
	ErrFatal           = &Error{Kind: KindFatal}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrInvalidArtifact = &Error{Kind: KindInvalidArtifact}
)

// New builds an error of the given kind with a formatted message.
func New(kind Kind, op, subject, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Subject: subject,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a kind to an underlying error. Context errors keep their own kind.
func Wrap(kind Kind, op, subject string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Subject: subject,
		Err:     err,
	}
}

// Aggregate folds every detected violation into one error of the given kind.
// It returns nil for an empty list.
func Aggregate(kind Kind, op, message string, errs []error) error {
	details := make([]error, 0, len(errs))

	for _, err := range errs {
		if err != nil {
			details = append(details, err)
		}
	}

	if len(details) == 0 {
		return nil
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Details: details,
	}
}

// FromContext converts an expired or cancelled context into a Timeout error.
// It returns nil while ctx is still live.
func FromContext(ctx context.Context, op, subject string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}

	return &Error{
		Kind:    KindTimeout,
		Op:      op,
		Subject: subject,
		Message: "deadline exceeded, outcome unknown",
		Err:     err,
	}
}

// Error renders "op subject: kind: message: cause; detail; detail".
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)

		if e.Subject != "" {
			b.WriteByte(' ')
			b.WriteString(e.Subject)
		}

		b.WriteString(": ")
	}

	b.WriteString(e.Kind.String())

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	for i, detail := range e.Details {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}

		b.WriteString(detail.Error())
	}

	return b.String()
}

// Unwrap exposes both the cause and the aggregated details to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Details)+1)
	if e.Err != nil {
		out = append(out, e.Err)
	}

	return append(out, e.Details...)
}

// Is matches another *Error of the same kind. Sentinels carry no op, so
// errors.Is(err, ErrConflict) is a pure kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e.Kind != t.Kind {
		return false
	}

	return t.Op == "" || (t.Op == e.Op && (t.Subject == "" || t.Subject == e.Subject))
}

// Retryable reports whether the caller may retry the identical call.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// WithMessage returns a copy with the message replaced.
func (e *Error) WithMessage(msg string) *Error {
	cloned := *e
	cloned.Message = msg

	return &cloned
}

// WithMessagef returns a copy with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the outermost *Error in the chain.
// Bare context deadline errors count as Timeout, everything else as Fatal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	return KindFatal
}

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return KindOf(err).Retryable()
}
