package s3

import (
	"net/url"
	"strings"

	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

const (
	// metaDigest is the object metadata key carrying the content SHA-256.
	metaDigest = "sha256"

	// generationSegment separates a folder tag from its member generations.
	generationSegment = ".gen"
)

// keyspace maps tags onto object keys under an optional prefix:
//
//	<prefix>/<tag>                       single-file tag
//	<prefix>/<tag>/.gen/<id>/<rel>       folder member of generation id
//	<prefix>/.index/<tag>.yaml           folder manifest naming the live generation
//	<prefix>/.markers/<escaped>.lease    transfer marker
//	<prefix>/.tmp/<id>/<rel>             staged upload
type keyspace struct {
	bucket string
	prefix string
}

func newKeyspace(bucket, prefix string) keyspace {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return keyspace{bucket: bucket, prefix: prefix}
}

func (k keyspace) object(tag string) string {
	return k.prefix + tag
}

func (k keyspace) member(tag, generation, rel string) string {
	return k.generationFolder(tag, generation) + rel
}

func (k keyspace) generationFolder(tag, generation string) string {
	return k.prefix + tag + "/" + generationSegment + "/" + generation + "/"
}

func (k keyspace) folder(tag string) string {
	return k.prefix + tag + "/"
}

func (k keyspace) index(tag string) string {
	return k.prefix + content.IndexPrefix + "/" + tag + ".yaml"
}

func (k keyspace) indexFolder(tag string) string {
	return k.prefix + content.IndexPrefix + "/" + tag + "/"
}

func (k keyspace) marker(tag string) string {
	return k.prefix + content.MarkerPrefix + "/" + content.EscapeTag(tag) + ".lease"
}

func (k keyspace) staging(id, rel string) string {
	if rel == "" {
		return k.prefix + content.TempPrefix + "/" + id
	}

	return k.prefix + content.TempPrefix + "/" + id + "/" + rel
}

func (k keyspace) stagingFolder(id string) string {
	return k.prefix + content.TempPrefix + "/" + id + "/"
}

// copySource renders the URL-encoded "bucket/key" form CopyObject expects.
func (k keyspace) copySource(key string) string {
	return (&url.URL{Path: k.bucket + "/" + key}).EscapedPath()
}
