// Package model contains the persisted record types shared by the store,
// the provider registry, and the HTTP transport.
package model

import (
	"strings"
	"time"

	"github.com/Senneseph/edge-hive/sdk"
)

// Endpoint is a persisted endpoint record. The route key
// (Domain, Method, Path) is unique across enabled endpoints; ID is the
// stable identity used as the handler registry key and the artifact
// basename component.
type Endpoint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Code      string    `json:"code,omitempty"`
	Compiled  bool      `json:"compiled"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RouteKey returns the endpoint's route identity with the method upper-cased.
func (e *Endpoint) RouteKey() (domain, method, path string) {
	return e.Domain, strings.ToUpper(e.Method), e.Path
}

// Validate checks the fields required before an endpoint can be routed.
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return sdk.NewBadRequestError("endpoint name is required")
	}
	if e.Domain == "" {
		return sdk.NewBadRequestError("endpoint domain is required")
	}
	if e.Path == "" || !strings.HasPrefix(e.Path, "/") {
		return sdk.NewBadRequestError("endpoint path must start with /")
	}
	switch strings.ToUpper(e.Method) {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
	default:
		return sdk.NewBadRequestError("unsupported endpoint method " + e.Method)
	}
	return nil
}
