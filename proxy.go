// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"golang.org/x/net/proxy"
)

// errProxyRefused indicates a CONNECT request answered without 200.
var errProxyRefused = errors.New("proxy refused tunnel")

// errProxyTimeout is the cause of an expired proxy handshake.
var errProxyTimeout = errors.New("proxy handshake timeout expired")

// proxyPort returns the port of the proxy URL, defaulting by scheme.
func proxyPort(URL *url.URL) uint16 {
	if value := URL.Port(); value != "" {
		if port, err := strconv.ParseUint(value, 10, 16); err == nil {
			return uint16(port)
		}
	}
	switch URL.Scheme {
	case "https":
		return 443
	case "socks5":
		return 1080
	default:
		return 80
	}
}

// NewProxyTunnelFunc returns a new [*ProxyTunnelFunc].
func NewProxyTunnelFunc(cfg *Config, proxyURL *url.URL, logger SLogger) *ProxyTunnelFunc {
	return &ProxyTunnelFunc{
		Config:        cfg,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		ProxyURL:      proxyURL,
		TimeNow:       cfg.TimeNow,
	}
}

// ProxyTunnelFunc opens a tunnel to a target host over a connection to
// the proxy.
//
// HTTP and HTTPS proxies use the CONNECT method for every target. HTTPS
// proxies first perform a TLS handshake with the proxy. SOCKS5 proxies use
// [proxy.SOCKS5] over a single-use dialer wrapping the proxy connection.
// In all cases the proxy resolves the target host name.
//
// On failure, the input connection is closed.
type ProxyTunnelFunc struct {
	// Config is the engine config.
	Config *Config

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewProxyTunnelFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// ProxyURL is the parsed proxy URL.
	ProxyURL *url.URL

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewProxyTunnelFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Call opens a tunnel to address (host:port) over conn.
func (op *ProxyTunnelFunc) Call(ctx context.Context, conn net.Conn, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, op.Config.ConnectTimeout, errProxyTimeout)
	defer cancel()

	if op.ProxyURL.Scheme == "https" {
		tlsConfig, err := op.Config.TLS.tlsConfig()
		if err != nil {
			conn.Close()
			return nil, newError(ErrConnection, PhaseConnect, "proxyTLS", "", err)
		}
		tlsConfig.ServerName = op.ProxyURL.Hostname()
		tlsConfig.NextProtos = []string{"http/1.1"}
		tconn, err := NewTLSHandshakeFunc(op.Config, tlsConfig, op.Logger).Call(ctx, conn)
		if errors.Is(err, errProxyTimeout) {
			return nil, newError(ErrTimeout, PhaseConnect, "proxyTLS", "", err)
		}
		if err != nil {
			return nil, err
		}
		conn = tconn
	}

	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logTunnelStart(conn, address, t0, deadline)

	var (
		tunnel net.Conn
		err    error
	)
	if op.ProxyURL.Scheme == "socks5" {
		tunnel, err = op.socks5(ctx, conn, address)
	} else {
		tunnel, err = op.connect(ctx, conn, address)
	}

	op.logTunnelDone(conn, address, t0, deadline, err)
	if err != nil {
		conn.Close()
		return nil, op.mapError(ctx, err)
	}
	return tunnel, nil
}

func (op *ProxyTunnelFunc) mapError(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errProxyTimeout):
		return newError(ErrTimeout, PhaseConnect, "proxyTunnel", "", err)
	case cause != nil:
		return cause
	default:
		return newError(ErrConnection, PhaseConnect, "proxyTunnel", "", err)
	}
}

// connect performs the CONNECT exchange.
func (op *ProxyTunnelFunc) connect(ctx context.Context, conn net.Conn, address string) (net.Conn, error) {
	stop := watchAbort(ctx, conn)
	defer stop()

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     http.Header{},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if user := op.ProxyURL.User; user != nil {
		password, _ := user.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}
	if err := req.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errProxyRefused, resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// socks5 performs the SOCKS5 handshake.
func (op *ProxyTunnelFunc) socks5(ctx context.Context, conn net.Conn, address string) (net.Conn, error) {
	var auth *proxy.Auth
	if user := op.ProxyURL.User; user != nil {
		password, _ := user.Password()
		auth = &proxy.Auth{User: user.Username(), Password: password}
	}
	forward := singleUseForward(sud.NewSingleUseDialer(conn).DialContext)
	dialer, err := proxy.SOCKS5("tcp", op.ProxyURL.Host, auth, forward)
	if err != nil {
		return nil, err
	}
	return dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", address)
}

// singleUseForward adapts a single-use dial function to [proxy.Dialer]
// and [proxy.ContextDialer].
type singleUseForward func(ctx context.Context, network, address string) (net.Conn, error)

var (
	_ proxy.Dialer        = singleUseForward(nil)
	_ proxy.ContextDialer = singleUseForward(nil)
)

// Dial implements [proxy.Dialer].
func (f singleUseForward) Dial(network, address string) (net.Conn, error) {
	return f(context.Background(), network, address)
}

// DialContext implements [proxy.ContextDialer].
func (f singleUseForward) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// bufferedConn is a [net.Conn] whose first bytes were already buffered.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

// Read implements [net.Conn].
func (c *bufferedConn) Read(buf []byte) (int, error) {
	return c.r.Read(buf)
}

func (op *ProxyTunnelFunc) logTunnelStart(conn net.Conn, address string, t0, deadline time.Time) {
	op.Logger.Info(
		"proxyTunnelStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("proxyScheme", op.ProxyURL.Scheme),
		slog.String("proxyTarget", address),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
	)
}

func (op *ProxyTunnelFunc) logTunnelDone(conn net.Conn, address string, t0, deadline time.Time, err error) {
	op.Logger.Info(
		"proxyTunnelDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("proxyScheme", op.ProxyURL.Scheme),
		slog.String("proxyTarget", address),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
