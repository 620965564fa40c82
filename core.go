// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

// Handle identifies a request submitted to a [Core]. Zero is invalid.
type Handle uint64

// Outcome is the terminal outcome of a submitted request: either a
// response or an error, never both.
type Outcome struct {
	Response *WireResponse
	Err      error
}

// CompletionFunc receives the terminal [Outcome] of a handle.
//
// A [Core] calls it exactly once per handle, on a goroutine owned by the
// core, possibly before Submit returns. The function must not block.
type CompletionFunc func(h Handle, outcome Outcome)

// Core executes HTTP requests asynchronously.
//
// The [*Transport] is the production implementation. Tests use mock
// cores to control timing.
type Core interface {
	// Submit registers the request for asynchronous execution and returns
	// its handle without blocking. On error no handle exists and done is
	// never called.
	Submit(req *WireRequest, cfg *Config, done CompletionFunc) (Handle, error)

	// Cancel aborts the request. The core still delivers exactly one
	// outcome for the handle. Unknown handles are ignored.
	Cancel(h Handle)

	// Release frees the resources associated with the handle, including
	// any unconsumed response body. Unknown handles are ignored.
	Release(h Handle)

	// Close refuses new submissions, cancels the pending ones and frees
	// all the resources owned by the core.
	Close() error
}

// configDropper is implemented by cores that keep per-config state,
// which an engine drops when it closes.
type configDropper interface {
	DropConfig(cfg *Config)
}
