// Package s3 implements content.Backend on an S3-compatible bucket.
//
// Single-file tags are one object carrying its SHA-256 in metadata. Folder
// tags are a set of member objects plus an index object under .index that
// lists every member with its size and digest; writing the index is the
// publish commit point, and downloads verify each member against it.
// Transfer markers use conditional writes (If-None-Match and If-Match).
package s3
