// Package local implements content.Backend on a directory tree.
//
// Uploads are staged under <root>/.tmp and published with a rename, so a tag
// always holds either its previous or its new content. Transfer markers are
// YAML lease files under <root>/.markers created with O_EXCL; a marker whose
// lease expired, or whose holder process on this host has exited, is stolen
// with an incremented fencing token.
package local
