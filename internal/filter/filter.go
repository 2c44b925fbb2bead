// Package filter decides which repository paths are eligible for transfer.
//
// A path is eligible when it is not hidden and matches none of the exclusion
// patterns. Patterns use shell-style globbing over the full relative path:
//
//	*.msgpack      top-level msgpack files
//	**/*.h5        h5 files at any depth
//	onnx/*         everything directly under onnx/
//	*.{h5,ot}      brace alternation
//
// A pattern that fails to parse matches nothing.
package filter

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExclude is the exclusion list used when none is configured.
const DefaultExclude = "*.msgpack, *.h5"

// ParsePatterns splits a comma-separated pattern list, trimming whitespace
// around each entry and dropping empty entries.
func ParsePatterns(csv string) []string {
	parts := strings.Split(csv, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// Hidden reports whether p is a hidden path (its first segment starts with a dot).
func Hidden(p string) bool {
	return strings.HasPrefix(strings.TrimLeft(p, "/"), ".")
}

// Excluded reports whether p matches at least one pattern.
func Excluded(p string, patterns []string) bool {
	p = strings.TrimLeft(p, "/")
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		ok, err := doublestar.Match(pattern, p)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Included reports whether p should be transferred.
func Included(p string, patterns []string) bool {
	return !Hidden(p) && !Excluded(p, patterns)
}

// Filter is a parsed pattern set.
type Filter struct {
	patterns []string
}

// New builds a Filter from already-split patterns.
func New(patterns []string) *Filter {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Filter{patterns: cleaned}
}

// Parse builds a Filter from a comma-separated list.
func Parse(csv string) *Filter {
	return &Filter{patterns: ParsePatterns(csv)}
}

// Included reports whether p passes the filter. A nil Filter only applies
// the hidden-path rule.
func (f *Filter) Included(p string) bool {
	if f == nil {
		return !Hidden(p)
	}
	return Included(p, f.patterns)
}

// Patterns returns a copy of the pattern list.
func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.patterns...)
}
