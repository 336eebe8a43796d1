package vizor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vizorlabs/vizor-sdk-go/internal/common/apierror"
)

// Error templates for the three HTTP failure classes plus the local entity
// invariants. Callers match them with errors.Is; the concrete error carries
// the HTTP status and response body, recoverable through StatusCode and
// ResponseBody.
var (
	// ErrServer covers 5xx responses and low-level connection failures.
	// Operations retry these with exponential backoff before surfacing.
	ErrServer apierror.Error = apierror.New("server error")

	// ErrCredential is returned when the platform rejects the session's
	// credentials (HTTP 401) and re-authentication did not help.
	ErrCredential apierror.Error = apierror.New("invalid credentials")

	// ErrClient covers the remaining 4xx responses. These are never
	// retried.
	ErrClient apierror.Error = apierror.New("client error")

	// ErrImmutableField is returned by Entity.Set for server-owned fields.
	ErrImmutableField apierror.Error = apierror.New("field is immutable")

	// ErrEntityDeleted is returned by any access to an entity after its
	// Delete succeeded.
	ErrEntityDeleted apierror.Error = apierror.New("entity has been deleted")

	// ErrFieldNotFound is returned by Entity field accessors when neither
	// the server record nor local state contains the field.
	ErrFieldNotFound apierror.Error = apierror.New("field not found")
)

// classifyStatus maps an HTTP response to the SDK error taxonomy. A nil
// return means the status is a success.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 500:
		return ErrServer.New(fmt.Sprintf("server error (%d): %s", code, body)).
			SetStatusCode(code).SetBody(body)
	case code == 401:
		return ErrCredential.New(fmt.Sprintf("invalid username password credentials (%d): %s", code, body)).
			SetStatusCode(code).SetBody(body)
	case code >= 400:
		return ErrClient.New(fmt.Sprintf("client error (%d): %s", code, body)).
			SetStatusCode(code).SetBody(body)
	}
	return nil
}

// connectionError wraps a transport-level failure (dial, TLS, reset) into
// the server-error class so the operation retry loop treats both alike.
func connectionError(err error) error {
	return ErrServer.New(fmt.Sprintf("connection failure: %v", err)).Err(err)
}

// StatusCode returns the HTTP status carried by an SDK error, or 0 if the
// error did not originate from an HTTP response.
func StatusCode(err error) int {
	var apiErr apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode()
	}
	return 0
}

// ResponseBody returns the raw response body carried by an SDK error, or
// "" if the error did not originate from an HTTP response.
func ResponseBody(err error) string {
	var apiErr apierror.Error
	if errors.As(err, &apiErr) {
		return string(apiErr.Body())
	}
	return ""
}

// retryable reports whether the operation retry loop should re-attempt
// after err. Server errors and connection failures qualify; client and
// credential errors never do.
func retryable(err error) bool {
	return errors.Is(err, ErrServer)
}

// TenantChoiceError is returned by Connect when the credentials are
// authorized for more than one tenant and no tenant was selected through
// WithTenant or VIZOR_TENANT. Tenants lists the available choices so the
// caller can pick one and reconnect.
type TenantChoiceError struct {
	Tenants []TenantInfo
}

func (e *TenantChoiceError) Error() string {
	names := make([]string, 0, len(e.Tenants))
	for _, t := range e.Tenants {
		names = append(names, t.TenantID)
	}
	return fmt.Sprintf("tenant not specified: credentials are authorized for %d tenants (%s)",
		len(e.Tenants), strings.Join(names, ", "))
}
