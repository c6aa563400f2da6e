package router

import (
	"errors"
	"fmt"
)

// NotFoundMessage is the client facing message for unmapped paths.
const NotFoundMessage = "API Not Found"

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("route not found")
	// ErrInvalidInput is returned for an empty path.
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError reports that no pattern matches Path.
type NotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", NotFoundMessage, e.Path)
}

// Is reports whether target is ErrNotFound or another NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*NotFoundError)
	return ok
}
