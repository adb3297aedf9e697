package domain

import "strings"

// =============================================================================
// Slug Generation
// =============================================================================

// MaxSlugLength is the longest slug Slugify returns. Swarm service names and
// Kubernetes DNS labels both stop at 63 characters.
const MaxSlugLength = 63

// Slugify converts a name into a DNS-label-safe slug.
//
// The transformation rules are:
//   - Letters are lowercased, digits are kept
//   - Spaces, underscores, dots and slashes become hyphens
//   - All other characters are removed
//   - Runs of hyphens collapse to one; leading and trailing hyphens are trimmed
//   - The result is cut to MaxSlugLength
//
// Example:
//
//	Slugify("Hello World")          // returns "hello-world"
//	Slugify("group/project_web")    // returns "group-project-web"
//	Slugify("My App 2.0!")          // returns "my-app-2-0"
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
			lastHyphen = false
		case r == '-' || r == ' ' || r == '_' || r == '.' || r == '/':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > MaxSlugLength {
		slug = strings.TrimRight(slug[:MaxSlugLength], "-")
	}
	return slug
}
