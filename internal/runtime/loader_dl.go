//go:build linux || darwin || freebsd

package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/Senneseph/edge-hive/sdk"
)

const (
	abiVersionSymbol = "handler_abi_version"
	setHostSymbol    = "handler_set_host"
)

// DLLoader loads compiled handler artifacts with dlopen. The entry symbol
// takes a serialized call and returns a serialized result; provider access
// flows back through a host callback handed to the library at load time.
type DLLoader struct{}

// Load implements Loader.
func (DLLoader) Load(path string) (Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Reason: LoadMissingFile, Path: path, Err: err}
	}

	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, &LoadError{Reason: LoadOSError, Path: path, Err: err}
	}

	if _, err := purego.Dlsym(lib, abiVersionSymbol); err != nil {
		_ = purego.Dlclose(lib)
		return nil, &LoadError{Reason: LoadABIMismatch, Path: path, Detail: abiVersionSymbol + " symbol missing"}
	}
	var abiVersion func() uint32
	purego.RegisterLibFunc(&abiVersion, lib, abiVersionSymbol)
	if got := abiVersion(); got != sdk.ABIVersion {
		_ = purego.Dlclose(lib)
		return nil, &LoadError{
			Reason: LoadABIMismatch,
			Path:   path,
			Detail: fmt.Sprintf("artifact built against ABI v%d, gateway speaks v%d", got, sdk.ABIVersion),
		}
	}

	if _, err := purego.Dlsym(lib, sdk.EntrySymbol); err != nil {
		_ = purego.Dlclose(lib)
		return nil, &LoadError{Reason: LoadMissingSymbol, Path: path, Detail: sdk.EntrySymbol + " symbol missing"}
	}
	var entry func(string) string
	purego.RegisterLibFunc(&entry, lib, sdk.EntrySymbol)

	if _, err := purego.Dlsym(lib, setHostSymbol); err == nil {
		var setHost func(uintptr)
		purego.RegisterLibFunc(&setHost, lib, setHostSymbol)
		setHost(hostCallback())
	}

	return &dlHandle{lib: lib, entry: entry}, nil
}

type dlHandle struct {
	lib   uintptr
	entry func(string) string

	mu     sync.Mutex
	closed bool
}

func (h *dlHandle) Invoke(ctx *sdk.Context, req *sdk.Request) *sdk.Response {
	call := sdk.HandlerCall{RequestID: ctx.RequestID(), Env: ctx.EnvMap(), Request: req}
	if d, ok := ctx.Deadline(); ok {
		call.DeadlineUnixMS = d.UnixMilli()
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return sdk.Error(&sdk.ErrorEnvelope{Code: sdk.ErrInternalError, Message: err.Error()})
	}

	bridge.beginCall(ctx.RequestID(), ctx)
	defer bridge.endCall(ctx.RequestID())

	raw := h.entry(string(payload))

	var result sdk.HandlerResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return sdk.Error(&sdk.ErrorEnvelope{
			Code:    sdk.ErrInternalError,
			Message: "handler returned a malformed result",
			Details: err.Error(),
		})
	}
	if result.Error != nil {
		return sdk.Error(result.Error)
	}
	if result.Response == nil {
		return sdk.Error(&sdk.ErrorEnvelope{Code: sdk.ErrInternalError, Message: "handler returned neither response nor error"})
	}
	return result.Response
}

func (h *dlHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return purego.Dlclose(h.lib)
}

var (
	hostCallbackOnce sync.Once
	hostCallbackPtr  uintptr
)

// hostCallback returns the process-wide callback handed to every loaded
// library via handler_set_host. The returned reply buffer stays pinned in
// the bridge until the request's next command or completion.
func hostCallback() uintptr {
	hostCallbackOnce.Do(func() {
		hostCallbackPtr = purego.NewCallback(func(req uintptr) uintptr {
			buf := bridge.dispatch([]byte(goString(req)))
			return uintptr(unsafe.Pointer(&buf[0]))
		})
	})
	return hostCallbackPtr
}

func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}
