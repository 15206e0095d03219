// Package username derives canonical slugs from player display names.
//
// Slugs are used only for uniqueness comparison and are never shown to
// players. Two display names collide exactly when their slugs are equal.
package username

// Slug normalizes a display name to its canonical form: lowercase ASCII
// letters and digits, with runs of separators (spaces, underscores, hyphens
// and dots) collapsed into single hyphens. Characters outside that set are
// dropped. The function is total and deterministic; names made entirely of
// dropped characters canonicalize to the empty string.
func Slug(input string) string {
	out := make([]byte, 0, len(input))
	pendingSeparator := false
	for i := 0; i < len(input); i++ {
		ch := input[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
			ch = ch - 'A' + 'a'
			fallthrough
		case ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9':
			if pendingSeparator && len(out) > 0 {
				out = append(out, '-')
			}
			pendingSeparator = false
			out = append(out, ch)
		case ch == ' ' || ch == '\t' || ch == '_' || ch == '-' || ch == '.':
			pendingSeparator = true
		}
	}
	return string(out)
}
