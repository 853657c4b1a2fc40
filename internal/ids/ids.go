// Package ids generates opaque, type-prefixed entity identifiers.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns an id of the form "<prefix>_<hex uuid>", e.g. "wl_3fa...".
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

const (
	PrefixThread    = "thread"
	PrefixWorldline = "wl"
	PrefixEvent     = "evt"
	PrefixSnapshot  = "snap"
	PrefixArtifact  = "artifact"
	PrefixJob       = "job"
)
