package compiler

import "fmt"

// goModTemplate is the manifest of a generated handler project. The replace
// directive points the SDK at the gateway's checkout so both sides link the
// same ABI version.
const goModTemplate = `module edge-hive-handler-%s

go 1.26

require github.com/Senneseph/edge-hive v0.0.0

replace github.com/Senneseph/edge-hive => %s
`

func renderGoMod(id, sdkPath string) string {
	return fmt.Sprintf(goModTemplate, id, sdkPath)
}

// entrySource is the cgo shim every handler project compiles alongside the
// user code. It exports the three ABI symbols and adapts the JSON wire
// forms to the SDK types the user's Handle function sees.
const entrySource = `package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef const char* (*edge_host_fn)(const char*);

static const char* edge_call_host(edge_host_fn f, const char* req) {
	return f(req);
}
*/
import "C"

import (
	"encoding/json"
	"fmt"
	"time"
	"unsafe"

	"github.com/Senneseph/edge-hive/sdk"
)

var hostFn C.edge_host_fn

//export handler_abi_version
func handler_abi_version() C.uint32_t {
	return C.uint32_t(sdk.ABIVersion)
}

//export handler_set_host
func handler_set_host(f C.edge_host_fn) {
	hostFn = f
}

func hostTransport(payload []byte) ([]byte, error) {
	if hostFn == nil {
		return nil, fmt.Errorf("host function not set")
	}
	cs := C.CString(string(payload))
	defer C.free(unsafe.Pointer(cs))
	return []byte(C.GoString(C.edge_call_host(hostFn, cs))), nil
}

//export handler_entry
func handler_entry(req *C.char) *C.char {
	var result sdk.HandlerResult
	var call sdk.HandlerCall
	if err := json.Unmarshal([]byte(C.GoString(req)), &call); err != nil {
		result.Error = sdk.NewBadRequestError("malformed handler call: " + err.Error())
	} else {
		result = invoke(&call)
	}
	out, err := json.Marshal(result)
	if err != nil {
		out = []byte(` + "`" + `{"error":{"code":"INTERNAL_ERROR","message":"result serialization failed"}}` + "`" + `)
	}
	// The buffer outlives the call; the gateway copies it before returning.
	return C.CString(string(out))
}

func invoke(call *sdk.HandlerCall) (result sdk.HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			result = sdk.HandlerResult{Error: &sdk.ErrorEnvelope{
				Code:      sdk.ErrHandlerPanic,
				Message:   "handler panicked",
				Details:   fmt.Sprint(r),
				RequestID: call.RequestID,
			}}
		}
	}()

	ctx := sdk.NewContext(call.RequestID, sdk.NewHostResolver(hostTransport, call.RequestID), call.Env)
	if call.DeadlineUnixMS > 0 {
		ctx = ctx.WithDeadline(time.UnixMilli(call.DeadlineUnixMS))
	}

	resp := Handle(ctx, call.Request)
	if resp == nil {
		return sdk.HandlerResult{Error: &sdk.ErrorEnvelope{
			Code:      sdk.ErrInternalError,
			Message:   "handler returned no response",
			RequestID: call.RequestID,
		}}
	}
	return sdk.HandlerResult{Response: resp}
}

func main() {}
`
