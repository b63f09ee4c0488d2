package proxyrouter

import (
	"regexp"
	"strings"
)

// ToolFilter decides which tools the client is allowed to see and call,
// based on glob patterns supplied on the command line via --ignore-tool.
type ToolFilter struct {
	patterns []*regexp.Regexp
}

// NewToolFilter compiles patterns into anchored, case-insensitive
// regexes. An empty pattern list produces a filter that includes every
// tool.
func NewToolFilter(patterns []string) *ToolFilter {
	f := &ToolFilter{}
	for _, p := range patterns {
		f.patterns = append(f.patterns, globToRegex(p))
	}
	return f
}

// globToRegex converts a glob pattern (only "*" is special) to an
// anchored, case-insensitive regexp: split on "*", escape each literal
// segment, and join with ".*".
func globToRegex(pattern string) *regexp.Regexp {
	segments := strings.Split(pattern, "*")
	for i, seg := range segments {
		segments[i] = regexp.QuoteMeta(seg)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(segments, ".*") + "$")
}

// ShouldInclude reports whether name survives the filter: it is included
// iff it matches none of the ignore patterns.
func (f *ToolFilter) ShouldInclude(name string) bool {
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}
