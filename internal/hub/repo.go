package hub

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultRevision is the branch every session reads from.
const DefaultRevision = "main"

// ErrEmptyRepo is returned when no repository name was given.
var ErrEmptyRepo = errors.New("repository name is required")

// Repo identifies a model repository on the hub.
type Repo struct {
	Owner string // empty for legacy un-namespaced models such as "gpt2"
	Name  string
}

// ParseRepo parses "owner/name" or "name".
func ParseRepo(s string) (Repo, error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return Repo{}, ErrEmptyRepo
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		return Repo{Name: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Repo{}, fmt.Errorf("invalid repository %q", s)
		}
		return Repo{Owner: parts[0], Name: parts[1]}, nil
	default:
		return Repo{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
}

// String returns the full repository name in the format "owner/name".
func (r Repo) String() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// IsZero reports whether r is unset.
func (r Repo) IsZero() bool {
	return r.Name == ""
}

// CacheDirName is the directory the hub cache uses for this model,
// e.g. "models--facebook--opt-125m".
func CacheDirName(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}
