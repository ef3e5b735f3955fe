package environment

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxNameLength bounds environment names.
const MaxNameLength = 100

var (
	namePattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// ContainerName returns "env-<owner>-<name>" with every character the
// runtime rejects replaced by '_'.
func ContainerName(owner, name string) string {
	return "env-" + unsafeNameChars.ReplaceAllString(owner, "_") + "-" + unsafeNameChars.ReplaceAllString(name, "_")
}

// NewID returns a fresh environment ID.
func NewID() string {
	return uuid.NewString()
}

// NewDataVolumeName returns a unique name for the persistent data volume of
// an environment of type t.
func NewDataVolumeName(t Type) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "envhelper-" + string(t) + "-" + suffix
}

// NeedsDataVolume reports whether environments of type t get a persistent
// data volume.
func (t Type) NeedsDataVolume() bool {
	return t == TypeVSCode || t == TypeWebtop
}
