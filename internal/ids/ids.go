// Package ids generates opaque identifiers for routers, planners, workers,
// messages, and tasks.
package ids

import "github.com/google/uuid"

// New returns a fresh opaque identifier.
func New() string {
	return uuid.New().String()
}

// Short returns an 8-hex-char token, used for artefact-name collision suffixes.
func Short() string {
	id := uuid.New()
	return id.String()[:8]
}
