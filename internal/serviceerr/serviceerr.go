// Package serviceerr tags domain failures with stable "<operation>.<reason>" codes.
package serviceerr

import "fmt"

// Error carries a stable code and the underlying cause.
type Error struct {
	code string
	err  error
}

// New returns an Error coded operation.reason wrapping cause.
func New(operation, reason string, cause error) error {
	return &Error{code: operation + "." + reason, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}
