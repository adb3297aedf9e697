package deployment

import (
	"os"

	"github.com/artpar/promoter/internal/core/domain"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ServiceName normalizes a configured service name into a valid swarm
// service name.
//
// Example:
//
//	ServiceName("Shop Web") // returns "shop-web"
func ServiceName(name string) string {
	return domain.Slugify(name)
}

// EnvironmentURL expands ${service}, ${branch}, ${commit} and ${tag}
// placeholders in an environment URL template. Unknown placeholders expand
// to "".
//
// Example:
//
//	EnvironmentURL("https://${service}.example.com", vars) // "https://web.example.com"
func EnvironmentURL(template string, vars URLVars) string {
	if template == "" {
		return ""
	}
	return os.Expand(template, func(key string) string {
		switch key {
		case "service":
			return vars.Service
		case "branch":
			return domain.Slugify(vars.Branch)
		case "commit":
			return vars.Commit
		case "tag":
			return vars.Image.Identifier()
		default:
			return ""
		}
	})
}

// URLVars feed EnvironmentURL.
type URLVars struct {
	Service string
	Branch  string
	Commit  string
	Image   domain.ImageRef
}
