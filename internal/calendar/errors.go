package calendar

import "errors"

// ErrInvalidArgument is matched by every ArgumentError.
var ErrInvalidArgument = errors.New("invalid argument")

// ArgumentError reports a malformed input, raised before the provider is
// called.
type ArgumentError struct {
	Field    string
	Expected string
}

func (e *ArgumentError) Error() string {
	return e.Field + " must be " + e.Expected
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

const (
	expectDate     = "a Date object or an ISO 8601 string"
	expectObject   = "an object"
	expectNonEmpty = "a non-empty string"
)
