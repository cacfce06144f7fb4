package runtime

import (
	"fmt"
	goruntime "runtime"
	"sync"

	"github.com/Senneseph/edge-hive/sdk"
)

// Handle is a loaded handler library with its entry point resolved. Invoke
// stays valid until Close; Close must not be called while any request
// still holds a guard on the owning image.
type Handle interface {
	Invoke(ctx *sdk.Context, req *sdk.Request) *sdk.Response
	Close() error
}

// Loader opens a handler artifact and resolves its entry point.
type Loader interface {
	Load(artifactPath string) (Handle, error)
}

// ArtifactName returns the platform leaf name of a compiled handler
// artifact for the given endpoint id.
func ArtifactName(id string) string {
	switch goruntime.GOOS {
	case "windows":
		return "handler_" + id + ".dll"
	case "darwin":
		return "libhandler_" + id + ".dylib"
	default:
		return "libhandler_" + id + ".so"
	}
}

// FuncLoader serves handlers from an in-process table keyed by artifact
// path. It backs tests and the integration harness, where real dynamic
// libraries would require a cross-compile step.
type FuncLoader struct {
	mu    sync.Mutex
	funcs map[string]sdk.HandlerFunc
}

// NewFuncLoader returns an empty FuncLoader.
func NewFuncLoader() *FuncLoader {
	return &FuncLoader{funcs: make(map[string]sdk.HandlerFunc)}
}

// Register maps an artifact path to an in-process handler.
func (l *FuncLoader) Register(path string, fn sdk.HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[path] = fn
}

// Load implements Loader. Unregistered paths fail the same way a missing
// file would.
func (l *FuncLoader) Load(path string) (Handle, error) {
	l.mu.Lock()
	fn, ok := l.funcs[path]
	l.mu.Unlock()
	if !ok {
		return nil, &LoadError{Reason: LoadMissingFile, Path: path, Detail: "no handler registered"}
	}
	return &funcHandle{fn: fn}, nil
}

type funcHandle struct {
	mu     sync.Mutex
	fn     sdk.HandlerFunc
	closed bool
}

func (h *funcHandle) Invoke(ctx *sdk.Context, req *sdk.Request) *sdk.Response {
	h.mu.Lock()
	fn := h.fn
	closed := h.closed
	h.mu.Unlock()
	if closed {
		panic(fmt.Sprintf("handler invoked after close for request %s", req.RequestID))
	}
	return fn(ctx, req)
}

func (h *funcHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
