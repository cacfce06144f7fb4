// Package runtime owns the hot-swap lifecycle of compiled handler code:
// loading dynamic-library artifacts, admitting requests against the active
// image, and draining retired images before their handles are closed.
package runtime

import (
	"sync/atomic"
	"time"

	"github.com/Senneseph/edge-hive/sdk"
)

// drainingBit is the top bit of the packed state word. The low 63 bits hold
// the active-request count.
const drainingBit uint64 = 1 << 63

// Image owns one loaded handler library: the resolved entry point, the
// artifact it was loaded from, and the packed count+draining state word.
// The handle is closed only by the registry's drain watchdog.
type Image struct {
	handle   Handle
	artifact string
	loadedAt time.Time

	state atomic.Uint64
}

func newImage(h Handle, artifact string, loadedAt time.Time) *Image {
	return &Image{handle: h, artifact: artifact, loadedAt: loadedAt}
}

// Artifact returns the path the image was loaded from.
func (i *Image) Artifact() string { return i.artifact }

// LoadedAt returns the time the image was loaded.
func (i *Image) LoadedAt() time.Time { return i.loadedAt }

// Acquire admits one request against the image. It returns false once
// draining has begun. The draining check and the count increment are a
// single CAS so a drain that starts before any concurrent acquire makes
// that acquire fail, and a drain that starts after sees a non-zero count.
func (i *Image) Acquire() (*Guard, bool) {
	for {
		s := i.state.Load()
		if s&drainingBit != 0 {
			return nil, false
		}
		if i.state.CompareAndSwap(s, s+1) {
			return &Guard{img: i}, true
		}
	}
}

// BeginDrain marks the image as draining. The flag is monotonic; calling
// again is a no-op.
func (i *Image) BeginDrain() {
	for {
		s := i.state.Load()
		if s&drainingBit != 0 {
			return
		}
		if i.state.CompareAndSwap(s, s|drainingBit) {
			return
		}
	}
}

// ActiveCount returns the number of requests currently holding a guard.
func (i *Image) ActiveCount() uint64 {
	return i.state.Load() &^ drainingBit
}

// Draining reports whether drain has begun.
func (i *Image) Draining() bool {
	return i.state.Load()&drainingBit != 0
}

// Drained reports whether the image is draining with no requests in flight.
func (i *Image) Drained() bool {
	return i.state.Load() == drainingBit
}

// Execute invokes the entry point. The caller must hold a live Guard.
// A panic in handler code is recovered here and surfaced as a
// HANDLER_PANIC error rather than tearing down the worker.
func (i *Image) Execute(ctx *sdk.Context, req *sdk.Request) (resp *sdk.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = NewHandlerPanicError(r)
		}
	}()
	return i.handle.Invoke(ctx, req), nil
}

func (i *Image) close() error {
	return i.handle.Close()
}

// Guard is one admitted request's hold on an image. Release is idempotent;
// the count decrement happens exactly once.
type Guard struct {
	img      *Image
	released atomic.Bool
}

// Release drops the guard, decrementing the image's active-request count.
func (g *Guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.img.state.Add(^uint64(0))
	}
}
