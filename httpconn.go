//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/httpslog/httpslog.go
//

package keqwest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
	"golang.org/x/net/http2"
)

// HTTPConn is an HTTP client connection over a single [net.Conn].
//
// Unlike a [*http.Transport], an HTTPConn never dials: it speaks HTTP/1.1
// or HTTP/2 (as negotiated by ALPN) over the connection it was built
// with, and the pool decides when to reuse or close it.
//
// An HTTPConn performs one round trip at a time. The caller must close
// the response body before starting the next round trip.
//
// HTTPConn emits httpRoundTripStart/httpRoundTripDone span events around
// each round trip and httpBodyStreamStart/httpBodyStreamDone events
// around the body.
//
// Construct using [NewHTTPConnFunc].
type HTTPConn struct {
	// conn is the underlying connection.
	conn net.Conn

	// br buffers reads for HTTP/1.1. Nil for HTTP/2.
	br *bufio.Reader

	// h2 is the HTTP/2 client connection. Nil for HTTP/1.1.
	h2 *http2.ClientConn

	// keepAlive tracks whether an HTTP/1.1 connection may serve
	// another request: the previous body reached EOF and neither peer
	// asked to close.
	keepAlive atomic.Bool

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	TimeNow func() time.Time
}

// Proto returns "HTTP/2.0" or "HTTP/1.1".
func (hc *HTTPConn) Proto() string {
	if hc.h2 != nil {
		return "HTTP/2.0"
	}
	return "HTTP/1.1"
}

// Conn returns the underlying [net.Conn].
func (hc *HTTPConn) Conn() net.Conn {
	return hc.conn
}

// RoundTrip implements [http.RoundTripper].
func (hc *HTTPConn) RoundTrip(req *http.Request) (*http.Response, error) {
	conn := hc.conn
	t0 := hc.TimeNow()
	deadline, _ := req.Context().Deadline()
	httpLogRoundTripStart(hc, conn, req, t0, deadline)

	var (
		resp *http.Response
		err  error
	)
	if hc.h2 != nil {
		resp, err = hc.h2.RoundTrip(req)
	} else {
		resp, err = hc.roundTripHTTP1(req)
	}

	httpLogRoundTripDone(hc, conn, req, t0, deadline, resp, err)
	if err != nil {
		return nil, err
	}

	resp.Body = httpBodyWrap(
		resp.Body,
		hc.ErrClassifier,
		safeconn.LocalAddr(conn),
		hc.Logger,
		safeconn.Network(conn),
		safeconn.RemoteAddr(conn),
		hc.TimeNow,
		hc.bodyEOFHook(req, resp),
	)
	return resp, nil
}

func (hc *HTTPConn) roundTripHTTP1(req *http.Request) (*http.Response, error) {
	hc.keepAlive.Store(false)

	bw := bufio.NewWriter(hc.conn)
	if err := req.Write(bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	for {
		resp, err := http.ReadResponse(hc.br, req)
		if err != nil {
			return nil, err
		}
		// skip informational responses except 101 Switching Protocols
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

// bodyEOFHook returns the function marking an HTTP/1.1 connection as
// reusable once the body has been fully read.
func (hc *HTTPConn) bodyEOFHook(req *http.Request, resp *http.Response) func() {
	if hc.h2 != nil || req.Close || resp.Close {
		return nil
	}
	return func() {
		hc.keepAlive.Store(true)
	}
}

// reusable returns whether the connection may serve another request.
func (hc *HTTPConn) reusable() bool {
	if hc.h2 != nil {
		return hc.h2.CanTakeNewRequest()
	}
	return hc.keepAlive.Load()
}

// aliveWindow is how long alive waits for pending data or EOF.
//
// A deadline already in the past fails the read before it reaches the
// socket, so the window must be in the future.
const aliveWindow = time.Millisecond

// alive checks whether an idle HTTP/1.1 connection is still alive by
// attempting a short read. Any data or error other than a timeout
// means the peer closed or misbehaved.
//
// The deadline uses the wall clock because it bounds a real socket read.
func (hc *HTTPConn) alive() bool {
	if hc.h2 != nil {
		return hc.h2.CanTakeNewRequest()
	}
	if hc.br.Buffered() > 0 {
		return false
	}
	hc.conn.SetReadDeadline(time.Now().Add(aliveWindow))
	_, err := hc.br.Peek(1)
	hc.conn.SetReadDeadline(time.Time{})
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Close closes the connection.
func (hc *HTTPConn) Close() error {
	if hc.h2 != nil {
		hc.h2.Close()
	}
	return hc.conn.Close()
}

func httpLogRoundTripStart(hc *HTTPConn, conn net.Conn, req *http.Request, t0 time.Time, deadline time.Time) {
	hc.Logger.Info(
		"httpRoundTripStart",
		slog.Time("deadline", deadline),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", redactHeader(req.Header)),
		slog.String("httpProto", hc.Proto()),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
	)
}

func httpLogRoundTripDone(hc *HTTPConn, conn net.Conn, req *http.Request,
	t0 time.Time, deadline time.Time, resp *http.Response, err error) {
	var (
		statusCode int
		headers    http.Header
	)
	if resp != nil {
		statusCode = resp.StatusCode
		headers = resp.Header
	}
	hc.Logger.Info(
		"httpRoundTripDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", hc.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", redactHeader(req.Header)),
		slog.Any("httpResponseHeaders", redactHeader(headers)),
		slog.Int("httpResponseStatusCode", statusCode),
		slog.String("httpProto", hc.Proto()),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", hc.TimeNow()),
	)
}

// redactHeader returns a copy of header without credentials.
func redactHeader(header http.Header) http.Header {
	out := header.Clone()
	for key := range out {
		name := strings.ToLower(key)
		if isSensitiveHeader(name) || name == "set-cookie" {
			out[key] = []string{"[redacted]"}
		}
	}
	return out
}

// NewHTTPConnFunc returns a new [*HTTPConnFunc].
func NewHTTPConnFunc(cfg *Config, logger SLogger) *HTTPConnFunc {
	return &HTTPConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// HTTPConnFunc wraps a connection into an [*HTTPConn], choosing the
// protocol from the ALPN result of TLS connections.
//
// On failure, the input connection is closed.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type HTTPConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewHTTPConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewHTTPConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewHTTPConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, *HTTPConn] = &HTTPConnFunc{}

// Call implements [Func].
func (op *HTTPConnFunc) Call(ctx context.Context, conn net.Conn) (*HTTPConn, error) {
	type connectionStater interface {
		ConnectionState() tls.ConnectionState
	}
	var alpn string
	if csp, ok := conn.(connectionStater); ok {
		alpn = csp.ConnectionState().NegotiatedProtocol
	}

	hc := &HTTPConn{
		conn:          conn,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}

	if alpn == "h2" {
		txp := &http2.Transport{}
		cc, err := txp.NewClientConn(conn)
		if err != nil {
			conn.Close()
			return nil, newError(ErrConnection, PhaseConnect, "http2Setup", "", err)
		}
		hc.h2 = cc
		return hc, nil
	}

	hc.br = bufio.NewReader(conn)
	return hc, nil
}
