package content

// Decide reports whether candidate should be published over existing, which is
// nil when the tag is absent. Identical content is never republished, so
// repeated identical calls succeed without side effects.
func Decide(op, tag string, existing, candidate *Manifest, flag CopyFlag, overwrite bool) (bool, error) {
	switch {
	case existing == nil:
		return true, nil
	case overwrite && flag == AtomicCopy:
		return true, nil
	case existing.Matches(candidate):
		return false, nil
	case !overwrite:
		return false, Diverged(op, tag)
	default:
		return true, nil
	}
}
