// Package response centralizes JSON response writing, matching the
// apxresp call-site contract used by http/server.go's ToHTTPHandlerFunc.
package response

import (
	"encoding/json"
	"net/http"

	apxerrors "bpgateway/errors"
)

// RespondJSON writes v as a JSON body with the given status code.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondMessage writes a {"message": ...} body with the given status code.
func RespondMessage(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"message": message})
}

// RespondError maps a typed *errors.Error to its HTTP status and body.
func RespondError(w http.ResponseWriter, err *apxerrors.Error) {
	body := map[string]any{
		"error": err.Kind.String(),
		"message": err.Error(),
	}
	if len(err.Fields) > 0 {
		body["fields"] = err.Fields
	}
	RespondJSON(w, err.Kind.HTTPStatus(), body)
}
