// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialHTTPConn connects to srv and wraps the connection into an *HTTPConn.
func dialHTTPConn(t *testing.T, srv *httptest.Server, logger SLogger) *HTTPConn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	hc, err := NewHTTPConnFunc(NewConfig(), logger).Call(context.Background(), conn)
	require.NoError(t, err)
	t.Cleanup(func() { hc.Close() })
	return hc
}

// Call selects HTTP/1.1 for plain connections.
func TestHTTPConnFuncPlain(t *testing.T) {
	mockConn := newMinimalConn()

	hc, err := NewHTTPConnFunc(NewConfig(), DefaultSLogger()).Call(context.Background(), mockConn)

	require.NoError(t, err)
	assert.Equal(t, mockConn, hc.Conn())
	assert.Equal(t, "HTTP/1.1", hc.Proto())
	assert.False(t, hc.reusable(), "a fresh connection has served nothing yet")
}

// RoundTrip serves sequential requests over one HTTP/1.1 connection.
func TestHTTPConnRoundTripKeepAlive(t *testing.T) {
	var (
		mu      sync.Mutex
		remotes []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		remotes = append(remotes, r.RemoteAddr)
		mu.Unlock()
		io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer srv.Close()

	logger, records := newCapturingLogger()
	hc := dialHTTPConn(t, srv, logger)

	for _, path := range []string{"/a", "/b"} {
		req, err := http.NewRequest("GET", srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := hc.RoundTrip(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		assert.Equal(t, "hello "+path, string(body))
		assert.True(t, hc.reusable())
		assert.True(t, hc.alive())
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, remotes, 2)
	assert.Equal(t, remotes[0], remotes[1], "both requests use the same connection")
	assert.Contains(t, records.messages(), "httpRoundTripStart")
	assert.Contains(t, records.messages(), "httpBodyStreamDone")
}

// A connection stops being reusable when the server asks to close it.
func TestHTTPConnConnectionClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		io.WriteString(w, "bye")
	}))
	defer srv.Close()

	hc := dialHTTPConn(t, srv, DefaultSLogger())
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := hc.RoundTrip(req)
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.False(t, hc.reusable())
}

// A partially read body leaves the connection not reusable.
func TestHTTPConnPartialBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "a long enough body")
	}))
	defer srv.Close()

	hc := dialHTTPConn(t, srv, DefaultSLogger())
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := hc.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Read(make([]byte, 2))
	resp.Body.Close()

	assert.False(t, hc.reusable())
}

// alive detects an idle connection the server has closed.
func TestHTTPConnAliveClosedByPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	hc := dialHTTPConn(t, srv, DefaultSLogger())
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := hc.RoundTrip(req)
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()
	require.True(t, hc.alive())

	srv.CloseClientConnections()

	assert.Eventually(t, func() bool { return !hc.alive() }, time.Second, 5*time.Millisecond)
}

// redactHeader hides credentials and cookies.
func TestRedactHeader(t *testing.T) {
	header := http.Header{
		"Authorization": {"Bearer secret"},
		"Cookie":        {"a=b"},
		"Set-Cookie":    {"c=d"},
		"Accept":        {"*/*"},
	}

	out := redactHeader(header)

	assert.Equal(t, []string{"[redacted]"}, out["Authorization"])
	assert.Equal(t, []string{"[redacted]"}, out["Cookie"])
	assert.Equal(t, []string{"[redacted]"}, out["Set-Cookie"])
	assert.Equal(t, []string{"*/*"}, out["Accept"])
	assert.Equal(t, []string{"Bearer secret"}, header["Authorization"], "input is not modified")
}
