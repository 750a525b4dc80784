package source

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableFilter is the capture allow-list. Patterns are glob expressions
// matched against the fully qualified table path ("schema.table"); an
// empty pattern list allows everything.
type TableFilter struct {
	patterns []glob.Glob
}

// NewTableFilter compiles the configured allow-list patterns.
func NewTableFilter(patterns []string) (*TableFilter, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}
	return &TableFilter{patterns: compiled}, nil
}

// Allows reports whether the table passes the allow-list.
func (f *TableFilter) Allows(table string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(table) {
			return true
		}
	}
	return false
}
