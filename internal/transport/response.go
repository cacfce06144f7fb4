// Package transport contains the HTTP router, middleware chain, and the
// admin API handlers for the gateway.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Senneseph/edge-hive/sdk"
)

// enveloper is implemented by domain errors that carry their own
// admin-facing error shape.
type enveloper interface {
	Envelope() *sdk.ErrorEnvelope
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the HTTP
// status its code maps to. Errors that are neither envelopes nor carry one
// become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) {
		var ev enveloper
		if errors.As(err, &ev) {
			env = ev.Envelope()
		} else {
			env = sdk.NewInternalError()
		}
	}

	type errorResponse struct {
		Error *sdk.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, sdk.StatusForCode(env.Code), errorResponse{Error: env})
}

// isCode reports whether err is an ErrorEnvelope with the given code.
func isCode(err error, code string) bool {
	env := &sdk.ErrorEnvelope{}
	return errors.As(err, &env) && env.Code == code
}

// decodeJSON decodes a request body into v, mapping malformed input to a
// BAD_REQUEST envelope.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return sdk.NewBadRequestError("request body is not valid JSON: " + err.Error())
	}
	return nil
}
