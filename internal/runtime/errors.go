package runtime

import (
	"fmt"

	"github.com/Senneseph/edge-hive/sdk"
)

// LoadFailure classifies why a handler artifact could not be loaded.
type LoadFailure string

// Load failure classes.
const (
	LoadMissingFile   LoadFailure = "missing-file"
	LoadMissingSymbol LoadFailure = "missing-symbol"
	LoadABIMismatch   LoadFailure = "abi-mismatch"
	LoadOSError       LoadFailure = "os-error"
)

// LoadError reports a failed attempt to load a handler artifact. It wraps
// the underlying cause when the OS or linker produced one.
type LoadError struct {
	Reason LoadFailure
	Path   string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("load %s: %s: %s", e.Path, e.Reason, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *LoadError) Unwrap() error { return e.Err }

// Envelope converts the load error into the admin-facing error shape.
func (e *LoadError) Envelope() *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrLoadError,
		Message: "handler artifact could not be loaded",
		Details: e.Error(),
	}
}

// NewNotLoadedError reports that no image is loaded for an endpoint.
func NewNotLoadedError(id string) *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrNotLoaded,
		Message: fmt.Sprintf("endpoint %q has no loaded handler", id),
	}
}

// NewAlreadyLoadedError reports that an image is already active for an endpoint.
func NewAlreadyLoadedError(id string) *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrAlreadyLoaded,
		Message: fmt.Sprintf("endpoint %q already has a loaded handler", id),
	}
}

// NewDrainingError reports that the endpoint's image is draining and admits
// no new requests.
func NewDrainingError(id string) *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrDraining,
		Message: fmt.Sprintf("endpoint %q is draining", id),
	}
}

// NewHandlerTimeoutError reports that a handler exceeded its execution
// deadline. The handler continues to run; only the caller gives up.
func NewHandlerTimeoutError(id string) *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrHandlerTimeout,
		Message: fmt.Sprintf("handler for endpoint %q did not complete in time", id),
	}
}

// NewHandlerPanicError reports a panic recovered at the handler boundary.
func NewHandlerPanicError(v any) *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrHandlerPanic,
		Message: "handler panicked",
		Details: fmt.Sprint(v),
	}
}
