// Package apierror provides the error substrate for the SDK. It implements the
// standard error interface while adding error chaining, HTTP status code
// management, and carriage of the raw response body so callers can diagnose
// failures without re-issuing the request.
package apierror

// Error defines the interface for API errors. It extends the standard error
// interface with methods for error wrapping, status code management, and
// response body access. All modifier methods return Error to support chaining.
type Error interface {
	error
	Unwrap() error // support for errors.Is / errors.As

	// Extended methods
	New(msg string) Error  // creates a new error using current as template
	Msg(msg string) Error  // creates a new error with message and wraps original
	Err(err ...error) Error // attaches additional errors to current error
	SetStatusCode(int) Error // sets the HTTP status code for the error
	StatusCode() int         // returns the current status code
	SetBody([]byte) Error    // attaches the raw HTTP response body
	Body() []byte            // returns the attached response body, if any
	UnwrapAll() []error      // returns all wrapped errors
}
