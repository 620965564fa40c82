// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"io"
	"net"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the
// context is done, so that in-progress I/O fails immediately.
//
// The returned connection wraps the input. Closing it unregisters the
// watcher and closes the underlying connection.
//
// The resolver uses this primitive for DNS connections, whose lifetime
// matches the resolution context. Pooled connections outlive any single
// request and use [watchAbort] per lease instead.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers a [context.AfterFunc] closing conn.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// watchAbort closes c when ctx is done, until the returned function is
// called. The returned function reports whether c is still usable, that
// is, whether it stopped the watcher before it fired.
func watchAbort(ctx context.Context, c io.Closer) func() bool {
	return context.AfterFunc(ctx, func() {
		c.Close()
	})
}
