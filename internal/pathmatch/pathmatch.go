// Package pathmatch implements Ant-style glob matching for request paths.
//
// Patterns and paths are split on '/'. Within a segment '?' matches exactly
// one character and '*' matches zero or more characters. A segment made of
// '**' matches zero or more whole segments, so "/s/**" matches "/s", "/s/"
// and "/s/x/y". Empty segments ("//") are ignored on both sides.
package pathmatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidInput is returned when the pattern or the path is empty.
var ErrInvalidInput = errors.New("pathmatch: invalid input")

const (
	separator   = "/"
	anySegments = "**"
	wildcards   = "*?"
)

// Pattern is a compiled glob pattern. The zero value is not usable; build one
// with Compile. A Pattern is immutable and safe for concurrent use.
type Pattern struct {
	raw      string
	segs     []string
	leading  bool
	trailing bool
	prefix   string
}

// Compile splits pattern into segments once so it can be matched repeatedly.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidInput)
	}
	return &Pattern{
		raw:      pattern,
		segs:     segments(pattern),
		leading:  strings.HasPrefix(pattern, separator),
		trailing: strings.HasSuffix(pattern, separator),
		prefix:   LiteralPrefix(pattern),
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source text of the pattern.
func (p *Pattern) String() string { return p.raw }

// Prefix returns the literal prefix of the pattern, see LiteralPrefix.
func (p *Pattern) Prefix() string { return p.prefix }

// Match reports whether path matches the pattern.
func (p *Pattern) Match(path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	if strings.HasPrefix(path, separator) != p.leading {
		return false, nil
	}
	m := matcher{
		pat:          p.segs,
		segs:         segments(path),
		patTrailing:  p.trailing,
		pathTrailing: strings.HasSuffix(path, separator),
	}
	return m.run(0, 0), nil
}

// Strip removes the pattern's literal prefix from path. A path reduced to
// nothing becomes "/". Paths that do not start with the prefix on a segment
// boundary are returned unchanged.
func (p *Pattern) Strip(path string) string {
	if p.prefix == "" || !strings.HasPrefix(path, p.prefix) {
		return path
	}
	rest := path[len(p.prefix):]
	switch {
	case rest == "":
		return separator
	case rest[0] != '/':
		return path
	}
	return rest
}

// Match compiles pattern and matches path against it. Callers matching the
// same pattern repeatedly should Compile it once instead.
func Match(pattern, path string) (bool, error) {
	p, err := Compile(pattern)
	if err != nil {
		return false, err
	}
	return p.Match(path)
}

// LiteralPrefix returns the part of pattern before its first segment that
// contains a wildcard, without a trailing slash. "/s/**" yields "/s",
// "/api/v*/users" yields "/api" and "/**" yields "". A pattern without
// wildcards is entirely literal.
func LiteralPrefix(pattern string) string {
	parts := strings.Split(pattern, separator)
	for i, part := range parts {
		if strings.ContainsAny(part, wildcards) {
			return strings.TrimSuffix(strings.Join(parts[:i], separator), separator)
		}
	}
	return strings.TrimSuffix(pattern, separator)
}

// HasWildcard reports whether pattern contains '*' or '?'.
func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, wildcards)
}

func segments(s string) []string {
	parts := strings.Split(s, separator)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type matcher struct {
	pat          []string
	segs         []string
	patTrailing  bool
	pathTrailing bool
}

func (m *matcher) run(pi, si int) bool {
	for pi < len(m.pat) {
		if m.pat[pi] == anySegments {
			for pi < len(m.pat) && m.pat[pi] == anySegments {
				pi++
			}
			if pi == len(m.pat) {
				return true
			}
			for k := si; k <= len(m.segs); k++ {
				if m.run(pi, k) {
					return true
				}
			}
			return false
		}
		if si == len(m.segs) {
			// "/s/*" still matches "/s/"
			return pi == len(m.pat)-1 && m.pat[pi] == "*" && m.pathTrailing
		}
		if !matchSegment(m.pat[pi], m.segs[si]) {
			return false
		}
		pi++
		si++
	}
	return si == len(m.segs) && m.patTrailing == m.pathTrailing
}

// matchSegment matches a single segment against a pattern segment holding
// '*' and '?' wildcards.
func matchSegment(pat, name string) bool {
	px, nx := 0, 0
	nextPx, nextNx := 0, 0
	for px < len(pat) || nx < len(name) {
		if px < len(pat) {
			switch c := pat[px]; c {
			case '?':
				if nx < len(name) {
					px++
					nx += runeLen(name, nx)
					continue
				}
			case '*':
				nextPx = px
				nextNx = nx + runeLen(name, nx)
				px++
				continue
			default:
				if nx < len(name) && name[nx] == c {
					px++
					nx++
					continue
				}
			}
		}
		if 0 < nextNx && nextNx <= len(name) {
			px = nextPx
			nx = nextNx
			continue
		}
		return false
	}
	return true
}

func runeLen(s string, i int) int {
	if i >= len(s) {
		return 1
	}
	_, w := utf8.DecodeRuneInString(s[i:])
	return w
}
