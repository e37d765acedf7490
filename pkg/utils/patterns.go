package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// PatternMatcher handles glob pattern matching against slash-separated
// relative paths. Supported syntax: *, **, ?, [class], [!class],
// {a,b} and the extglob groups @(a|b), +(a|b), *(a|b), ?(a|b).
type PatternMatcher struct {
	patterns []string
	regexps  []*regexp.Regexp
}

// NewPatternMatcher creates a new pattern matcher
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{
		patterns: make([]string, 0, len(patterns)),
		regexps:  make([]*regexp.Regexp, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		pattern = NormalizePattern(pattern)
		regex, err := globToRegex(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		pm.patterns = append(pm.patterns, pattern)
		pm.regexps = append(pm.regexps, regex)
	}

	return pm, nil
}

// MustPatternMatcher is like NewPatternMatcher but panics on a bad pattern
func MustPatternMatcher(patterns ...string) *PatternMatcher {
	pm, err := NewPatternMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return pm
}

// Patterns returns the normalized patterns
func (pm *PatternMatcher) Patterns() []string {
	return append([]string(nil), pm.patterns...)
}

// Match checks if a path matches any pattern
func (pm *PatternMatcher) Match(p string) bool {
	p = NormalizePattern(p)

	for _, regex := range pm.regexps {
		if regex.MatchString(p) {
			return true
		}
	}

	return false
}

// GetMatchingPaths returns all paths that match any pattern
func (pm *PatternMatcher) GetMatchingPaths(paths []string) []string {
	var matches []string
	for _, p := range paths {
		if pm.Match(p) {
			matches = append(matches, p)
		}
	}
	return matches
}

// globToRegex converts a glob pattern to an anchored regular expression
func globToRegex(pattern string) (*regexp.Regexp, error) {
	body, err := translate(pattern, false)
	if err != nil {
		return nil, err
	}
	return regexp.Compile("^" + body + "$")
}

// translate converts a glob fragment. Inside a group, '|' and ',' separate
// alternatives and are emitted verbatim as regex alternation.
func translate(pattern string, inGroup bool) (string, error) {
	var regex strings.Builder

	i := 0
	for i < len(pattern) {
		c := pattern[i]

		// extglob: @(..) +(..) *(..) ?(..) !(..)
		if strings.IndexByte("@+*?!", c) >= 0 && i+1 < len(pattern) && pattern[i+1] == '(' {
			end := closingParen(pattern, i+1)
			if end < 0 {
				return "", fmt.Errorf("unclosed group at offset %d", i)
			}
			inner, err := translate(pattern[i+2:end], true)
			if err != nil {
				return "", err
			}
			switch c {
			case '@':
				regex.WriteString("(?:" + inner + ")")
			case '+':
				regex.WriteString("(?:" + inner + ")+")
			case '*':
				regex.WriteString("(?:" + inner + ")*")
			case '?':
				regex.WriteString("(?:" + inner + ")?")
			case '!':
				// RE2 has no lookahead; treat as a single segment wildcard
				regex.WriteString("[^/]*")
			}
			i = end + 1
			continue
		}

		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				// ** matches any number of directories
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					regex.WriteString("(?:.*/)?")
					i += 3
				} else {
					regex.WriteString(".*")
					i += 2
				}
			} else {
				regex.WriteString("[^/]*")
				i++
			}
		case '?':
			regex.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				regex.WriteString("[^")
				j++
			} else {
				regex.WriteString("[")
			}

			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' && j+1 < len(pattern) {
					regex.WriteByte(pattern[j])
					regex.WriteByte(pattern[j+1])
					j += 2
				} else {
					regex.WriteByte(pattern[j])
					j++
				}
			}

			if j < len(pattern) {
				regex.WriteByte(']')
				i = j + 1
			} else {
				return "", fmt.Errorf("unclosed character class at offset %d", i)
			}
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				regex.WriteString("\\{")
				i++
				continue
			}
			inner, err := translate(strings.ReplaceAll(pattern[i+1:i+end], ",", "|"), true)
			if err != nil {
				return "", err
			}
			regex.WriteString("(?:" + inner + ")")
			i += end + 1
		case '|':
			if inGroup {
				regex.WriteByte('|')
			} else {
				regex.WriteString("\\|")
			}
			i++
		case '\\':
			if i+1 < len(pattern) {
				regex.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				regex.WriteString("\\\\")
				i++
			}
		case '.', '+', '^', '$', '(', ')', '}':
			regex.WriteByte('\\')
			regex.WriteByte(c)
			i++
		default:
			regex.WriteByte(c)
			i++
		}
	}

	return regex.String(), nil
}

func closingParen(pattern string, open int) int {
	depth := 0
	for i := open; i < len(pattern); i++ {
		switch pattern[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// IsGlobPattern checks if a string contains glob wildcards
func IsGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{") || strings.Contains(pattern, "(")
}

// NormalizePattern normalizes a file pattern to a clean slash-separated form
func NormalizePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	pattern = strings.TrimPrefix(pattern, "./")
	pattern = strings.TrimSuffix(pattern, "/")
	return pattern
}

// ExclusionMatcher handles ignore patterns for the watcher
type ExclusionMatcher struct {
	patterns []string
	matcher  *PatternMatcher
}

// NewExclusionMatcher creates a new exclusion matcher. Bare names such as
// "node_modules" exclude that directory at any depth; "*.d.ts" style
// patterns without a slash match the basename anywhere.
func NewExclusionMatcher(patterns []string) (*ExclusionMatcher, error) {
	expanded := make([]string, 0, len(patterns)*2)

	for _, pattern := range patterns {
		pattern = NormalizePattern(pattern)
		switch {
		case strings.Contains(pattern, "/"):
			expanded = append(expanded, pattern, pattern+"/**")
		case IsGlobPattern(pattern):
			expanded = append(expanded, "**/"+pattern)
		default:
			expanded = append(expanded, "**/"+pattern, "**/"+pattern+"/**")
		}
	}

	matcher, err := NewPatternMatcher(expanded)
	if err != nil {
		return nil, err
	}

	return &ExclusionMatcher{
		patterns: patterns,
		matcher:  matcher,
	}, nil
}

// IsExcluded checks if a path should be excluded
func (em *ExclusionMatcher) IsExcluded(p string) bool {
	return em.matcher.Match(p)
}

// FilterPaths removes excluded paths from a list
func (em *ExclusionMatcher) FilterPaths(paths []string) []string {
	var filtered []string
	for _, p := range paths {
		if !em.IsExcluded(p) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// GetDefaultExclusions returns the default watcher ignore set
func GetDefaultExclusions() []string {
	return []string{
		"node_modules",
		"*.d.ts",
		"dist",
		"compiled",
		".git",
		".shipyard",
	}
}

// MatchGlob matches a path against a single glob pattern
func MatchGlob(pattern, p string) (bool, error) {
	if !IsGlobPattern(pattern) {
		return NormalizePattern(pattern) == NormalizePattern(p), nil
	}
	if !strings.Contains(pattern, "**") && !strings.ContainsAny(pattern, "{(") {
		return path.Match(NormalizePattern(pattern), NormalizePattern(p))
	}

	matcher, err := NewPatternMatcher([]string{pattern})
	if err != nil {
		return false, err
	}

	return matcher.Match(p), nil
}

// ToSlashRel returns target relative to base in slash form
func ToSlashRel(base, target string) (string, error) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
