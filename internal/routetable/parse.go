package routetable

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/fabian4/mapping-gateway/internal/pathmatch"
)

const (
	recordSep  = "\n"
	fieldSep   = ";"
	mappingSep = "="
	backendSep = "|"
	optionSep  = "&"
	commentTag = "#"
)

// Parse builds a Table from route table text. It never fails: malformed
// records are skipped and recorded in Table.Issues. A later record for an
// already seen pattern replaces its backends and options but keeps the
// position of the first one.
func Parse(text string) *Table {
	t := &Table{
		index:       make(map[string]int),
		fingerprint: xxhash.Sum64String(text),
	}
	if strings.TrimSpace(text) == "" {
		t.empty = true
		return t
	}

	for i, line := range strings.Split(text, recordSep) {
		record := strings.TrimSpace(line)
		if record == "" || strings.HasPrefix(record, commentTag) {
			continue
		}
		rule, issues := parseRecord(i+1, record)
		t.issues = append(t.issues, issues...)
		if rule == nil {
			continue
		}
		if at, dup := t.index[rule.Pattern]; dup {
			t.rules[at] = rule
			continue
		}
		t.index[rule.Pattern] = len(t.rules)
		t.rules = append(t.rules, rule)
	}
	return t
}

func parseRecord(line int, record string) (*Rule, []*ParseIssue) {
	skip := func(reason string) (*Rule, []*ParseIssue) {
		return nil, []*ParseIssue{{Line: line, Record: record, Reason: reason}}
	}

	mapping, optionText, ok := strings.Cut(record, fieldSep)
	if !ok {
		return skip("missing ';' between mapping and options")
	}
	if strings.Contains(optionText, fieldSep) {
		return skip("too many ';' separated fields")
	}

	pattern, backendText, ok := strings.Cut(mapping, mappingSep)
	if !ok {
		return skip("missing '=' in mapping")
	}
	pattern = strings.TrimSpace(pattern)
	backendText = strings.TrimSpace(backendText)
	switch {
	case pattern == "":
		return skip("empty pattern")
	case backendText == "":
		return skip("empty backend list")
	case !strings.HasPrefix(pattern, "/"):
		return skip("pattern must start with '/'")
	}
	compiled, err := pathmatch.Compile(pattern)
	if err != nil {
		return skip(err.Error())
	}

	var issues []*ParseIssue
	var backends []string
	for _, b := range strings.Split(backendText, backendSep) {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if err := validateBackend(b); err != nil {
			issues = append(issues, &ParseIssue{Line: line, Record: record, Reason: err.Error()})
			continue
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		return nil, append(issues, &ParseIssue{Line: line, Record: record, Reason: "no usable backend"})
	}

	options := make(map[string]string)
	for _, pair := range strings.Split(optionText, optionSep) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, mappingSep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			issues = append(issues, &ParseIssue{
				Line:   line,
				Record: record,
				Reason: fmt.Sprintf("malformed option %q", pair),
			})
			continue
		}
		options[k] = strings.TrimSpace(v)
	}

	return &Rule{
		Pattern:  pattern,
		Backends: backends,
		Options:  options,
		Line:     line,
		compiled: compiled,
	}, issues
}

func validateBackend(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("backend %q: %v", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend %q: must be http(s) URL with host", raw)
	}
	return nil
}
