package remote

import (
	"fmt"
	"time"
)

// AuthRequiredError is returned when a request needs a bearer token and no
// session token is stored.
type AuthRequiredError struct {
	Endpoint string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("%s: authentication required", e.Endpoint)
}

// TimeoutError is returned when no response arrives before the per-call deadline.
type TimeoutError struct {
	Endpoint string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out after %s", e.Endpoint, e.After)
}

// NetworkError is a connectivity failure: DNS, refused connection, reset, cancelled.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx HTTP response.
type ServerError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// InvalidResponseError is a 2xx response that is not JSON or fails to decode.
type InvalidResponseError struct {
	Endpoint    string
	ContentType string
	Err         error
}

func (e *InvalidResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid response: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: invalid response content type %q", e.Endpoint, e.ContentType)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }
