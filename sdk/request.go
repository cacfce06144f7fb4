// Package sdk defines the contract between the gateway and compiled handler
// code: the Request/Response value types that cross the ABI boundary, the
// per-request Context, the provider client interfaces, and the error
// envelope. The gateway and every handler artifact must link the same SDK
// version; ABIVersion is embedded in each artifact and compared at load.
package sdk

import "net/textproto"

// ABIVersion is exported by every handler artifact as handler_abi_version.
// The loader refuses artifacts whose version does not match.
const ABIVersion uint32 = 2

// EntrySymbol is the request entry point every handler artifact must export;
// the loader also requires handler_abi_version.
const EntrySymbol = "handler_entry"

// Headers is a case-insensitive header map. Keys are stored in canonical
// MIME form; use Get/Set rather than indexing directly.
type Headers map[string]string

// Get returns the value for the given header name, case-insensitively.
func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

// Set stores a header value under the canonical form of name.
func (h Headers) Set(name, value string) {
	h[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Canonicalize returns a copy of h with every key in canonical form.
func (h Headers) Canonicalize() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

// Request is the inbound HTTP request as seen by handler code.
type Request struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query"`
	Headers   Headers           `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
	Params    map[string]string `json:"params"`
	ClientIP  string            `json:"client_ip,omitempty"`
	RequestID string            `json:"request_id"`
}

// Param returns the named path parameter captured by route matching.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// HandlerFunc is the in-process shape of a handler entry point. The dynamic
// loader adapts the exported C symbol into this type; test doubles provide
// it directly.
type HandlerFunc func(ctx *Context, req *Request) *Response
