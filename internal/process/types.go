package process

import (
	"fmt"
	"strings"
)

// Status is the derived state of a process node.
type Status string

const (
	StatusNotStarted Status = "not started"
	StatusInProgress Status = "in progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusResumed    Status = "resumed"
)

// Terminal reports whether the status will not change without a new launch.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusResumed
}

// Done reports whether the node produced its outputs.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusResumed
}

// Profile selects the runtime execution profile.
type Profile string

const (
	ProfileLocal Profile = "local"
	ProfileSGE   Profile = "sge"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileLocal, ProfileSGE:
		return p, nil
	case "":
		return ProfileLocal, nil
	default:
		return "", fmt.Errorf("unsupported profile %q, choose from %q or %q", s, ProfileLocal, ProfileSGE)
	}
}

// RequiresProject reports whether runs under this profile need an
// accounting project.
func (p Profile) RequiresProject() bool {
	return p == ProfileSGE
}
