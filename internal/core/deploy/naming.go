package deploy

import (
	"fmt"
	"strings"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName generates the name for a deployed container.
// Pattern: slipway_{repository}_{tag}_{shortID}
//
// The repository path separator is flattened so the name stays valid for
// the Docker naming grammar.
//
// Example:
//
//	ContainerName("org/app", "v2", "ab12cd34") // "slipway_org-app_v2_ab12cd34"
func ContainerName(repository, tag, shortID string) string {
	repo := strings.ReplaceAll(repository, "/", "-")
	tag = sanitizeNameComponent(tag)
	return fmt.Sprintf("slipway_%s_%s_%s", repo, tag, shortID)
}

// sanitizeNameComponent replaces characters Docker rejects in container names.
func sanitizeNameComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// ShortID truncates a deployment or container ID for names and log fields.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
