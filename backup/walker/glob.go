package walker

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// GlobSet matches an archive path against a compiled set of glob
// patterns. An empty set matches nothing, mirroring an absent
// include/exclude list.
type GlobSet struct {
	globs []glob.Glob
}

// CompileGlobSet compiles patterns (e.g. "**/*.log", "node_modules/**")
// using '/' as the path separator so "**" crosses directory
// boundaries, per the walker's need to express recursive excludes
// that stdlib path.Match cannot.
func CompileGlobSet(patterns []string) (*GlobSet, error) {
	gs := &GlobSet{globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("walker: compiling glob %q: %w", p, err)
		}
		gs.globs = append(gs.globs, g)
		// A leading "**/" also matches at the top level, so "**/*.log"
		// covers "drop.log" as well as "sub/x.log".
		if rest := strings.TrimPrefix(p, "**/"); rest != p && rest != "" {
			top, err := glob.Compile(rest, '/')
			if err != nil {
				return nil, fmt.Errorf("walker: compiling glob %q: %w", p, err)
			}
			gs.globs = append(gs.globs, top)
		}
	}
	return gs, nil
}

// IsMatch reports whether path matches any pattern in the set.
func (gs *GlobSet) IsMatch(path string) bool {
	if gs == nil {
		return false
	}
	for _, g := range gs.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
