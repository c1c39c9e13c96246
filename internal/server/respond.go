package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	routex "github.com/dctx-team/routex/internal"
)

// maxAdminBody bounds admin request bodies. The /v1 surface has its own
// larger limit in the proxy package.
const maxAdminBody = 1 << 20

// envelope is the shared success wrapper: {"success": true, "data": ...}.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    any  `json:"meta,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondMeta(w http.ResponseWriter, status int, data, meta any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: meta})
}

// respondError renders the error envelope. Domain errors carry their
// own kind; anything else is an internal error.
func respondError(w http.ResponseWriter, err error) {
	kind := routex.KindOf(err)
	msg := err.Error()
	var details any

	var derr *routex.Error
	if errors.As(err, &derr) {
		msg = derr.Message
		details = derr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]any{
			"type":    string(kind),
			"code":    kind.Code(),
			"message": msg,
			"details": details,
		},
	})
}

// decodeJSON reads and unmarshals a bounded request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return routex.Wrap(routex.KindValidation, err, "read request body")
	}
	if len(body) == 0 {
		return routex.E(routex.KindValidation, "request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return routex.Wrap(routex.KindValidation, err, "invalid JSON body")
	}
	return nil
}
