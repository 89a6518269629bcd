package virtuous

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned before any network call when no API key is set.
var ErrNotConfigured = errors.New("virtuous API key not configured")

// maxErrorBody bounds how much of a failed response body is kept on an UpstreamError.
const maxErrorBody = 512

// UpstreamError reports a failed call to the CRM API: a transport failure,
// a non-2xx status or an undecodable body. Endpoint is the request path only.
type UpstreamError struct {
	Method     string
	Endpoint   string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("virtuous API error: %s %s", e.Method, e.Endpoint)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += " - " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether err is (or wraps) an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
