package pipeline

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/pullsmith/pullsmith/agent"
)

// protectedPathHit returns the first changed path matching any protected
// glob, or "" when the change set is clean. An unparseable pattern counts
// as a hit: a policy that cannot be evaluated blocks the pull request
// rather than waving it through.
func protectedPathHit(globs []string, changes []agent.FileChange) string {
	for _, change := range changes {
		for _, glob := range globs {
			ok, err := doublestar.Match(glob, change.Path)
			if err != nil || ok {
				return change.Path
			}
		}
	}
	return ""
}
