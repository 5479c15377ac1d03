// Package content defines the tag-addressed content store contract.
//
// A tag is a slash-separated logical path naming either a single file or a
// folder. Backends (local directory, S3-compatible bucket) implement Backend:
// the Store operations plus the conditional-create Leaser that backs transfer
// markers. Describe and TreeManifest compute content-only digests so that two
// units holding the same bytes compare equal regardless of timestamps.
package content
