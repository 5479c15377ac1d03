package content

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// Reserved top-level prefixes used for store bookkeeping. Callers cannot address them.
const (
	// TempPrefix holds staged uploads before they are published.
	TempPrefix = ".tmp"
	// MarkerPrefix holds transfer markers.
	MarkerPrefix = ".markers"
	// IndexPrefix holds folder digests on object backends.
	IndexPrefix = ".index"
	// OperationPrefix namespaces operation-level leases taken through Hold.
	OperationPrefix = ".ops"
)

// CleanTag validates a caller-supplied tag and returns its canonical form:
// NFC-normalised, forward slashes, no leading or trailing slash, no dot segments.
func CleanTag(tag string) (string, error) {
	return cleanTag(tag, false)
}

// OperationTag returns the lease tag used for an operation-level critical section.
func OperationTag(name string) (string, error) {
	cleaned, err := cleanTag(name, false)
	if err != nil {
		return "", err
	}

	return OperationPrefix + "/" + cleaned, nil
}

// cleanTag implements CleanTag; allowReserved admits bookkeeping prefixes for internal callers.
func cleanTag(tag string, allowReserved bool) (string, error) {
	normalized := norm.NFC.String(strings.ReplaceAll(strings.TrimSpace(tag), `\`, "/"))
	normalized = strings.Trim(normalized, "/")

	if normalized == "" {
		return "", errkind.New(errkind.KindValidation, "tag", tag, "tag is empty")
	}

	for _, r := range normalized {
		if unicode.IsControl(r) {
			return "", errkind.New(errkind.KindValidation, "tag", tag, "tag contains control characters")
		}
	}

	for segment := range strings.SplitSeq(normalized, "/") {
		switch segment {
		case "":
			return "", errkind.New(errkind.KindValidation, "tag", tag, "tag contains an empty segment")
		case ".", "..":
			return "", errkind.New(errkind.KindValidation, "tag", tag, "tag contains a dot segment")
		}
	}

	if !allowReserved && IsReserved(normalized) {
		return "", errkind.New(errkind.KindValidation, "tag", tag, "tag uses a reserved prefix")
	}

	return normalized, nil
}

// IsReserved reports whether a clean tag lives under a bookkeeping prefix.
func IsReserved(tag string) bool {
	first, _, _ := strings.Cut(tag, "/")

	switch first {
	case TempPrefix, MarkerPrefix, IndexPrefix, OperationPrefix:
		return true
	default:
		return false
	}
}

// CleanLeaseTag accepts content tags and operation tags alike.
func CleanLeaseTag(tag string) (string, error) {
	return cleanTag(tag, true)
}

// EscapeTag flattens a tag into a single path segment, e.g. for marker file names.
func EscapeTag(tag string) string {
	return url.PathEscape(tag)
}

// JoinTag joins tag segments with forward slashes.
func JoinTag(elems ...string) string {
	return path.Join(elems...)
}

// MatchSkip builds the skip predicate for Copy: an entry matches on its full
// relative path, or on its base name when the entry has no slash.
func MatchSkip(skip []string) func(rel string) bool {
	if len(skip) == 0 {
		return nil
	}

	full := make(map[string]struct{}, len(skip))
	base := make(map[string]struct{}, len(skip))

	for _, entry := range skip {
		entry = strings.Trim(strings.ReplaceAll(entry, `\`, "/"), "/")
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			full[entry] = struct{}{}
		} else {
			base[entry] = struct{}{}
		}
	}

	return func(rel string) bool {
		if _, ok := full[rel]; ok {
			return true
		}

		_, ok := base[path.Base(rel)]

		return ok
	}
}
