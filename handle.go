// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"sync"
	"sync/atomic"
)

// nativeCall exclusively owns a [Handle] until released.
//
// Release frees the handle through [Core.Release] exactly once no matter
// how many paths (body close, error, cancellation, shutdown) attempt it.
type nativeCall struct {
	core     Core
	h        Handle
	released atomic.Bool

	mu    sync.Mutex
	hooks []func()
}

func newNativeCall(core Core, h Handle) *nativeCall {
	return &nativeCall{core: core, h: h}
}

// onRelease registers a hook to run after the handle is released.
//
// When the call is already released, the hook runs immediately.
func (c *nativeCall) onRelease(hook func()) {
	c.mu.Lock()
	if !c.released.Load() {
		c.hooks = append(c.hooks, hook)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	hook()
}

// release releases the handle and returns whether this call did it.
func (c *nativeCall) release() bool {
	c.mu.Lock()
	if !c.released.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return false
	}
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.core.Release(c.h)
	for _, hook := range hooks {
		hook()
	}
	return true
}
