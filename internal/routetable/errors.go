package routetable

import (
	"errors"
	"fmt"
)

var (
	// ErrParseSkip matches every ParseIssue.
	ErrParseSkip = errors.New("route record skipped")
	// ErrEmptyConfiguration signals blank route table text.
	ErrEmptyConfiguration = errors.New("route table text is empty")
)

// ParseIssue describes a record or option that was ignored.
type ParseIssue struct {
	Line   int
	Record string
	Reason string
}

// Error implements the error interface.
func (e *ParseIssue) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Record)
}

// Is reports whether target is ErrParseSkip.
func (e *ParseIssue) Is(target error) bool {
	return target == ErrParseSkip
}
