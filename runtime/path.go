package runtime

import (
	"regexp"
	"strings"
	"sync"
)

// childPath joins a parent path and a child name. The root path is ".".
func childPath(prefix, name string) string {
	if prefix == "" || prefix == "." {
		return "." + name
	}
	return prefix + "." + name
}

var patterns sync.Map // pattern -> *regexp.Regexp

func patternRegexp(pattern string) *regexp.Regexp {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, `[^.]+`) + "$")
	patterns.Store(pattern, re)
	return re
}

// MatchName reports whether a node path matches pattern. "*" stands for one
// whole path segment, so ".a.*.b" matches ".a.c.b" but not ".a.c.d.b".
func MatchName(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	return patternRegexp(pattern).MatchString(name)
}

// IsParentOf reports whether parent is the direct parent of child. child may
// be a pattern.
func IsParentOf(parent, child string) bool {
	idx := strings.LastIndex(child, ".")
	if idx < 0 {
		return false
	}
	pattern := child[:idx]
	if pattern == "" {
		pattern = "."
	}
	return MatchName(parent, pattern)
}
