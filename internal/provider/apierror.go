package provider

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of an upstream error body is retained.
const maxErrorBody = 4096

// HTTPError is a non-2xx response from an upstream channel. It exposes
// the status code for retry and circuit-breaker classification.
type HTTPError struct {
	Channel    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Channel, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// ParseHTTPError drains up to maxErrorBody bytes of the response body
// into an HTTPError. The caller closes the body.
func ParseHTTPError(channel string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{Channel: channel, StatusCode: resp.StatusCode, Body: string(body)}
}
