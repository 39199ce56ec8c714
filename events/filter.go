package events

import (
	"fmt"

	"github.com/gobwas/glob"
)

// PathFilter selects events by glob patterns over their primary path.
// Include patterns admit, exclude patterns veto; exclusion wins. Empty
// include set means everything is admitted.
type PathFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewPathFilter compiles the pattern sets. Patterns use '/' as the
// separator, so '*' stays within one path component and '**' crosses.
func NewPathFilter(includePatterns, excludePatterns []string) (*PathFilter, error) {
	f := &PathFilter{
		include: make([]glob.Glob, 0, len(includePatterns)),
		exclude: make([]glob.Glob, 0, len(excludePatterns)),
	}

	for _, pattern := range includePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		f.include = append(f.include, g)
	}

	for _, pattern := range excludePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, g)
	}

	return f, nil
}

// Match returns true if the path passes the configured patterns.
func (f *PathFilter) Match(path string) bool {
	for _, g := range f.exclude {
		if g.Match(path) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}
