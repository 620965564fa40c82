// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import "sync"

// sharedCore is the process-wide [*Transport] used by engines without
// an explicit [Config.Core].
//
// It is created by the first engine, reference counted and closed when
// the last engine closes. A later engine creates a new one.
var sharedCore struct {
	mu        sync.Mutex
	transport *Transport
	refs      int
}

// acquireSharedCore returns the shared transport, creating it if needed.
func acquireSharedCore() *Transport {
	sharedCore.mu.Lock()
	defer sharedCore.mu.Unlock()
	if sharedCore.transport == nil {
		sharedCore.transport = NewTransport()
	}
	sharedCore.refs++
	return sharedCore.transport
}

// releaseSharedCore drops a reference and closes the shared transport
// when it was the last one.
func releaseSharedCore() error {
	sharedCore.mu.Lock()
	sharedCore.refs--
	if sharedCore.refs > 0 {
		sharedCore.mu.Unlock()
		return nil
	}
	transport := sharedCore.transport
	sharedCore.transport = nil
	sharedCore.refs = 0
	sharedCore.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Close()
}

// sharedCoreRefs returns the number of engines using the shared transport.
func sharedCoreRefs() int {
	sharedCore.mu.Lock()
	defer sharedCore.mu.Unlock()
	return sharedCore.refs
}
