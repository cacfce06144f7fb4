package sdk

import (
	"encoding/json"
	"net/http"
)

// Response is the value a handler returns to the gateway.
type Response struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers,omitempty"`
	Body    []byte  `json:"body,omitempty"`
}

// OK returns a 200 response with the given body.
func OK(body []byte) *Response {
	return &Response{Status: http.StatusOK, Body: body}
}

// Text returns a response with a text/plain body.
func Text(status int, body string) *Response {
	r := &Response{Status: status, Body: []byte(body), Headers: Headers{}}
	r.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	return r
}

// JSON returns a response with v marshalled as an application/json body.
// Marshalling failures degrade to a 500 envelope rather than panicking in
// handler code.
func JSON(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Error(NewInternalError())
	}
	r := &Response{Status: status, Body: data, Headers: Headers{}}
	r.Headers.Set("Content-Type", "application/json; charset=utf-8")
	return r
}

// Error converts an ErrorEnvelope into a JSON response using the standard
// code-to-status mapping. Handlers use this to surface provider errors
// they choose not to recover from.
func Error(err error) *Response {
	ee, ok := err.(*ErrorEnvelope)
	if !ok {
		ee = NewInternalError()
	}
	return JSON(StatusForCode(ee.Code), struct {
		Error *ErrorEnvelope `json:"error"`
	}{ee})
}
