// Package routetable parses the textual route table and holds the immutable
// result.
//
// The text is a list of newline separated records:
//
//	/s/**=http://a.example|http://b.example;stripPrefix=true&group=weather
//
// The part before ';' maps a glob pattern to a '|' separated backend list,
// the part after it is a '&' separated list of key=value options. Malformed
// records are skipped and reported as ParseIssue values on the Table; they
// never fail the whole parse.
package routetable

import (
	"strings"

	"github.com/fabian4/mapping-gateway/internal/pathmatch"
)

// Well-known rule options. Any other key is kept verbatim for collaborators.
const (
	OptionStripPrefix = "stripPrefix"
	OptionGroup       = "group"
	OptionLB          = "lb"
)

// Rule maps one pattern to its backends and options. Rules belong to a Table
// and must not be modified once the table is built.
type Rule struct {
	Pattern  string
	Backends []string          // non-empty, declaration order
	Options  map[string]string // never nil
	Line     int               // line of the record that last defined the rule

	compiled *pathmatch.Pattern
}

// Match reports whether path matches the rule's pattern.
func (r *Rule) Match(path string) (bool, error) {
	return r.compiled.Match(path)
}

// Option returns the value of an option and whether it was set.
func (r *Rule) Option(key string) (string, bool) {
	v, ok := r.Options[key]
	return v, ok
}

// StripPrefix reports whether the literal prefix of the pattern is removed
// before forwarding.
func (r *Rule) StripPrefix() bool {
	return strings.EqualFold(r.Options[OptionStripPrefix], "true")
}

// Group returns the rule's service group, used for tuning lookups.
func (r *Rule) Group() string { return r.Options[OptionGroup] }

// Prefix returns the literal part of the pattern before its first wildcard.
func (r *Rule) Prefix() string { return r.compiled.Prefix() }

// Rewrite returns the path to forward for a request path matched by r.
func (r *Rule) Rewrite(path string) string {
	if !r.StripPrefix() {
		return path
	}
	return r.compiled.Strip(path)
}

// Table is an immutable snapshot of parsed rules. Replacement, never update,
// is the only way to change routing.
type Table struct {
	rules       []*Rule
	index       map[string]int
	fingerprint uint64
	issues      []*ParseIssue
	empty       bool
}

// Rules returns the rules in match order. The slice must not be modified.
func (t *Table) Rules() []*Rule { return t.rules }

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// Get returns the rule for an exact pattern.
func (t *Table) Get(pattern string) (*Rule, bool) {
	i, ok := t.index[pattern]
	if !ok {
		return nil, false
	}
	return t.rules[i], true
}

// Fingerprint identifies the text the table was parsed from.
func (t *Table) Fingerprint() uint64 { return t.fingerprint }

// Issues returns the records and options skipped while parsing.
func (t *Table) Issues() []*ParseIssue { return t.issues }

// Empty reports whether the table was built from blank text.
func (t *Table) Empty() bool { return t.empty }

// Match returns the first rule, in declaration order, whose pattern matches
// path, or nil if none does.
func (t *Table) Match(path string) (*Rule, error) {
	for _, r := range t.rules {
		ok, err := r.Match(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
	return nil, nil
}
