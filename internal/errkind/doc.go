// Package errkind defines the error taxonomy shared by the content store,
// the transfer coordinator, the package builder and the provisioning pipeline.
//
// Every failure carries a Kind with an explicit Retryable attribute, so
// callers branch on errors.Is(err, errkind.ErrTransient) or
// errkind.IsRetryable(err) instead of inspecting messages. Aggregate folds
// several violations into a single error without losing any of them.
package errkind
