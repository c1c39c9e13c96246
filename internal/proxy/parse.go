// Package proxy implements the forwarding engine behind the /v1 surface:
// channel selection, retries with failover, response fan-out, and
// request accounting.
package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	routex "github.com/dctx-team/routex/internal"
)

// maxRequestBody caps inbound body reads.
const maxRequestBody = 32 << 20

// Request is the parsed inbound proxy request.
type Request struct {
	Method    string
	Path      string
	Header    http.Header // sanitized, safe to forward
	Body      []byte
	Model     string
	Stream    bool
	SessionID string
}

// ParseRequest reads and inspects the inbound request. The body is
// treated as opaque JSON: a non-JSON body is not an error, it just
// yields no model or stream hints.
func ParseRequest(r *http.Request) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, routex.Wrap(routex.KindValidation, err, "read request body")
	}

	req := &Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: sanitizeHeaders(r.Header),
		Body:   body,
	}
	req.Model = gjson.GetBytes(body, "model").String()
	req.Stream = gjson.GetBytes(body, "stream").Bool()

	// Session affinity key: explicit header first, then the caller id
	// most SDKs put in metadata.
	if sid := r.Header.Get("x-session-id"); sid != "" {
		req.SessionID = sid
	} else {
		req.SessionID = gjson.GetBytes(body, "metadata.user_id").String()
	}
	return req, nil
}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// sanitizeHeaders copies forwardable headers. Hop-by-hop headers, the
// caller's credentials, and all x-* extension headers (session ids,
// trace ids, other routing hints) stay on this side of the proxy; the
// channel injects its own auth.
func sanitizeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, vals := range h {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-") {
			continue
		}
		if lower == "authorization" || lower == "api-key" ||
			lower == "host" || lower == "content-length" {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}
