package apierror

import (
	"errors"
)

// apiError implements the apierror.Error interface. It provides a concrete
// implementation with support for error wrapping, status codes, and response
// body carriage.
type apiError struct {
	msg           string  // primary error message
	base          error   // base error for errors.Is/As compatibility
	wrappedErrors []error // additional wrapped errors
	statuscode    int     // HTTP status code
	body          []byte  // raw HTTP response body
}

// Error returns the error message.
func (e *apiError) Error() string {
	return e.msg
}

// Unwrap returns the base error for compatibility with errors.Is / errors.As.
func (e *apiError) Unwrap() error {
	return e.base
}

// UnwrapAll returns all wrapped errors in the order they were added.
func (e *apiError) UnwrapAll() []error {
	return e.wrappedErrors
}

// Msg creates a new error with a new message and wraps the original error.
// The new error inherits the status code and body from the original.
func (e *apiError) Msg(msg string) Error {
	return &apiError{
		msg:           msg,
		base:          e,
		wrappedErrors: append([]error{e}, e.wrappedErrors...),
		statuscode:    e.statuscode,
		body:          e.body,
	}
}

// New creates a fresh error using the current error as a template.
// The new error inherits the status code but starts with a new message
// and no body.
func (e *apiError) New(msg string) Error {
	return &apiError{
		msg:        msg,
		base:       e,
		statuscode: e.statuscode,
	}
}

// Err creates a new error by attaching additional errors to the current error.
// The new error maintains the original message, status code, and body.
func (e *apiError) Err(errs ...error) Error {
	all := append([]error{e}, errs...)
	return &apiError{
		msg:           e.msg,
		base:          e,
		wrappedErrors: all,
		statuscode:    e.statuscode,
		body:          e.body,
	}
}

// SetStatusCode returns a shallow copy with an updated status code.
// The original error remains unchanged.
func (e *apiError) SetStatusCode(code int) Error {
	cp := *e
	cp.statuscode = code
	return &cp
}

// StatusCode returns the current HTTP status code.
func (e *apiError) StatusCode() int {
	return e.statuscode
}

// SetBody returns a shallow copy carrying the raw response body.
// The original error remains unchanged.
func (e *apiError) SetBody(body []byte) Error {
	cp := *e
	cp.body = body
	return &cp
}

// Body returns the attached response body, or nil when none was attached.
func (e *apiError) Body() []byte {
	return e.body
}

// New creates a root-level apiError with the given message.
// This is the entry point for creating new errors.
func New(msg string) Error {
	return &apiError{
		msg: msg,
	}
}

// Is checks if the error is equal to the target error by checking
// both the base error and all wrapped errors.
func (e *apiError) Is(target error) bool {
	if target == nil {
		return false
	}
	if errors.Is(e.base, target) {
		return true
	}
	for _, err := range e.wrappedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
