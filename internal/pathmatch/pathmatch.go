// Package pathmatch matches vault-relative, slash-separated paths against
// glob patterns.
//
// A pattern without '/' matches the base name anywhere in the tree, so
// "*.md" selects every note. A pattern with '/' matches the whole path,
// and a "**" segment stands for any number of directories.
package pathmatch

import (
	"fmt"
	"path"
	"strings"
)

// Validate reports a malformed pattern.
func Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty glob pattern")
	}
	for _, seg := range strings.Split(pattern, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
	}
	return nil
}

// Match reports whether rel matches pattern. Malformed patterns never
// match.
func Match(pattern, rel string) bool {
	rel = strings.TrimPrefix(rel, "./")
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

// Any reports whether rel matches at least one pattern.
func Any(patterns []string, rel string) bool {
	for _, p := range patterns {
		if Match(p, rel) {
			return true
		}
	}
	return false
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], name[0]); !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}
