package sdk

import (
	"fmt"
	"net/http"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrNotFound      = "NOT_FOUND"
	ErrRouteNotFound = "ROUTE_NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Handler lifecycle error codes.
const (
	ErrNotLoaded      = "NOT_LOADED"
	ErrAlreadyLoaded  = "ALREADY_LOADED"
	ErrDraining       = "DRAINING"
	ErrLoadError      = "LOAD_ERROR"
	ErrCompileError   = "COMPILE_ERROR"
	ErrHandlerPanic   = "HANDLER_PANIC"
	ErrHandlerTimeout = "HANDLER_TIMEOUT"
)

// Provider error codes. Handlers receive these as recoverable values and
// may degrade gracefully instead of returning them to the client.
const (
	ErrProviderNotFound        = "PROVIDER_NOT_FOUND"
	ErrProviderNotActivated    = "PROVIDER_NOT_ACTIVATED"
	ErrProviderWrongKind       = "PROVIDER_WRONG_KIND"
	ErrProviderConnectionError = "PROVIDER_CONNECTION_ERROR"
	ErrProviderStopping        = "PROVIDER_STOPPING"
)

// statusForCode maps error codes to HTTP status codes.
var statusForCode = map[string]int{
	ErrBadRequest:              http.StatusBadRequest,
	ErrNotFound:                http.StatusNotFound,
	ErrRouteNotFound:           http.StatusNotFound,
	ErrConflict:                http.StatusConflict,
	ErrInternalError:           http.StatusInternalServerError,
	ErrNotLoaded:               http.StatusServiceUnavailable,
	ErrAlreadyLoaded:           http.StatusConflict,
	ErrDraining:                http.StatusServiceUnavailable,
	ErrLoadError:               http.StatusInternalServerError,
	ErrCompileError:            http.StatusUnprocessableEntity,
	ErrHandlerPanic:            http.StatusInternalServerError,
	ErrHandlerTimeout:          http.StatusGatewayTimeout,
	ErrProviderNotFound:        http.StatusInternalServerError,
	ErrProviderNotActivated:    http.StatusServiceUnavailable,
	ErrProviderWrongKind:       http.StatusInternalServerError,
	ErrProviderConnectionError: http.StatusServiceUnavailable,
	ErrProviderStopping:        http.StatusServiceUnavailable,
}

// StatusForCode returns the HTTP status for an error code, defaulting to 500.
func StatusForCode(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorEnvelope is the structured error shape shared by the gateway and
// handler code. It implements the error interface and serializes across
// the ABI boundary.
type ErrorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Transient reports whether the error represents a temporary condition a
// retry might recover from.
func (e *ErrorEnvelope) Transient() bool {
	switch e.Code {
	case ErrNotLoaded, ErrDraining, ErrProviderConnectionError, ErrProviderStopping, ErrProviderNotActivated:
		return true
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewRouteNotFoundError returns a ROUTE_NOT_FOUND error.
func NewRouteNotFoundError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRouteNotFound, Message: "no endpoint matches this request"}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR without leaking detail.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternalError, Message: "An unexpected error occurred"}
}

// NewProviderNotFoundError returns a PROVIDER_NOT_FOUND error.
func NewProviderNotFoundError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProviderNotFound, Message: fmt.Sprintf("provider %q is not configured", name)}
}

// NewProviderNotActivatedError returns a PROVIDER_NOT_ACTIVATED error.
func NewProviderNotActivatedError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProviderNotActivated, Message: fmt.Sprintf("provider %q is not activated", name)}
}

// NewProviderWrongKindError returns a PROVIDER_WRONG_KIND error.
func NewProviderWrongKindError(name, want, got string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrProviderWrongKind,
		Message: fmt.Sprintf("provider %q is a %s provider, not %s", name, got, want),
	}
}

// NewProviderConnectionError returns a PROVIDER_CONNECTION_ERROR.
func NewProviderConnectionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProviderConnectionError, Message: msg}
}

// NewProviderStoppingError returns a PROVIDER_STOPPING error.
func NewProviderStoppingError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProviderStopping, Message: fmt.Sprintf("provider %q is stopping", name)}
}
