// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
)

// DNS protocols.
const (
	dnsProtocolUDP   = "udp"
	dnsProtocolTCP   = "tcp"
	dnsProtocolDoT   = "dot"
	dnsProtocolHTTPS = "doh"
)

// dnsServerEndpoint is a parsed [DNSServer].
type dnsServerEndpoint struct {
	protocol   string
	address    netip.AddrPort
	serverName string
	URL        string
}

var errInvalidDNSServer = errors.New("invalid DNS server")

// parseDNSServer parses and validates a [DNSServer].
//
// The server address must be an IP literal, either in the URL or in the
// Address field, because resolving the resolver would be circular.
func parseDNSServer(server DNSServer) (*dnsServerEndpoint, error) {
	URL, err := url.Parse(server.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidDNSServer, err)
	}
	ep := &dnsServerEndpoint{serverName: URL.Hostname(), URL: server.URL}
	var defaultPort uint16
	switch URL.Scheme {
	case "udp":
		ep.protocol, defaultPort = dnsProtocolUDP, 53
	case "tcp":
		ep.protocol, defaultPort = dnsProtocolTCP, 53
	case "tls":
		ep.protocol, defaultPort = dnsProtocolDoT, 853
	case "https":
		ep.protocol, defaultPort = dnsProtocolHTTPS, 443
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", errInvalidDNSServer, URL.Scheme)
	}

	if server.Address != "" {
		ep.address, err = netip.ParseAddrPort(server.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidDNSServer, err)
		}
		return ep, nil
	}

	addr, err := netip.ParseAddr(URL.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an IP address and no address is set", errInvalidDNSServer, URL.Hostname())
	}
	port := defaultPort
	if value := URL.Port(); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", errInvalidDNSServer, value)
		}
		port = uint16(parsed)
	}
	ep.address = netip.AddrPortFrom(addr, port)
	return ep, nil
}

// dnsExchangeLogContext holds the logging state shared by DNS exchanges.
type dnsExchangeLogContext struct {
	ErrClassifier  ErrClassifier
	LocalAddr      string
	Logger         SLogger
	Protocol       string
	RemoteAddr     string
	ServerProtocol string
	TimeNow        func() time.Time
}

func newDNSExchangeLogContext(conn net.Conn, serverProtocol string,
	classifier ErrClassifier, logger SLogger, timeNow func() time.Time) *dnsExchangeLogContext {
	return &dnsExchangeLogContext{
		ErrClassifier:  classifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         logger,
		Protocol:       safeconn.Network(conn),
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: serverProtocol,
		TimeNow:        timeNow,
	}
}

func (lc *dnsExchangeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.Time("t", t0),
	)
}

func (lc *dnsExchangeLogContext) logDone(t0 time.Time, deadline time.Time, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

// queryObserver logs the raw query and saves it into rqr for correlation.
func (lc *dnsExchangeLogContext) queryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.Logger.Debug(
			"dnsQuery",
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.String("serverProtocol", lc.ServerProtocol),
			slog.Time("t", t0),
		)
		*rqr = rawQuery
	}
}

func (lc *dnsExchangeLogContext) responseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.Logger.Debug(
			"dnsResponse",
			slog.Any("dnsRawQuery", *rqr),
			slog.Any("dnsRawResponse", rawResp),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.String("serverProtocol", lc.ServerProtocol),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
		)
	}
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// DNS exchanges use pre-established connections and never dial.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("keqwest: DNS transport must not dial")
}

// dnsUnusedAddr is the placeholder server address of transports that
// exchange over existing connections.
var dnsUnusedAddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

// DNSConn owns a connection to a DNS server and performs exchanges
// using the configured protocol.
//
// Construct using [NewDNSConnFunc].
type DNSConn struct {
	conn     net.Conn
	httpConn *HTTPConn
	protocol string
	URL      string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	TimeNow func() time.Time
}

// Close closes the underlying connection.
func (c *DNSConn) Close() error {
	if c.httpConn != nil {
		return c.httpConn.Close()
	}
	return c.conn.Close()
}

// Exchange sends the query and returns the response.
func (c *DNSConn) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := c.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	lc := newDNSExchangeLogContext(c.conn, c.protocol, c.ErrClassifier, c.Logger, c.TimeNow)

	lc.logStart(t0, deadline)
	resp, err := c.exchange(ctx, query, lc, t0, &rqr)
	lc.logDone(t0, deadline, err)
	return resp, err
}

func (c *DNSConn) exchange(ctx context.Context, query *dnscodec.Query,
	lc *dnsExchangeLogContext, t0 time.Time, rqr *[]byte) (*dnscodec.Response, error) {
	switch c.protocol {
	case dnsProtocolUDP:
		txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, dnsUnusedAddr)
		txp.ObserveRawQuery = lc.queryObserver(t0, rqr)
		txp.ObserveRawResponse = lc.responseObserver(t0, rqr)
		return txp.ExchangeWithConn(ctx, c.conn, query)

	case dnsProtocolTCP, dnsProtocolDoT:
		txp := dnsoverstream.NewTransport(dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{}), dnsUnusedAddr)
		txp.ObserveRawQuery = lc.queryObserver(t0, rqr)
		txp.ObserveRawResponse = lc.responseObserver(t0, rqr)
		if c.protocol == dnsProtocolDoT {
			return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(c.conn.(TLSConn)), query)
		}
		return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(c.conn), query)

	default:
		httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, c.URL, lc.queryObserver(t0, rqr))
		if err != nil {
			return nil, err
		}
		httpResp, err := c.httpConn.RoundTrip(httpReq)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		return dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.responseObserver(t0, rqr))
	}
}

// NewDNSConnFunc returns a new [*DNSConnFunc] for the given protocol
// ("udp", "tcp", "dot" or "doh") and URL (only used by "doh").
func NewDNSConnFunc[T net.Conn](cfg *Config, protocol, URL string, logger SLogger) *DNSConnFunc[T] {
	return &DNSConnFunc[T]{
		ErrClassifier: cfg.ErrClassifier,
		HTTPConnFunc:  NewHTTPConnFunc(cfg, logger),
		Logger:        logger,
		Protocol:      protocol,
		TimeNow:       cfg.TimeNow,
		URL:           URL,
	}
}

// DNSConnFunc wraps a connection into a [*DNSConn].
//
// The "dot" protocol requires a [TLSConn]. The "doh" protocol wraps the
// connection into an [*HTTPConn] first.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type DNSConnFunc[T net.Conn] struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// HTTPConnFunc builds the HTTP connection for "doh".
	HTTPConnFunc *HTTPConnFunc

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Protocol is the DNS protocol.
	Protocol string

	// TimeNow is the function to get the current time (configurable for testing).
	TimeNow func() time.Time

	// URL is the DNS-over-HTTPS URL.
	URL string
}

var (
	_ Func[net.Conn, *DNSConn] = &DNSConnFunc[net.Conn]{}
	_ Func[TLSConn, *DNSConn]  = &DNSConnFunc[TLSConn]{}
)

// Call implements [Func].
func (op *DNSConnFunc[T]) Call(ctx context.Context, conn T) (*DNSConn, error) {
	dc := &DNSConn{
		conn:          conn,
		protocol:      op.Protocol,
		URL:           op.URL,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}
	if op.Protocol == dnsProtocolDoT {
		if _, ok := any(conn).(TLSConn); !ok {
			conn.Close()
			return nil, fmt.Errorf("%w: dot needs a TLS connection", errInvalidDNSServer)
		}
	}
	if op.Protocol == dnsProtocolHTTPS {
		hc, err := op.HTTPConnFunc.Call(ctx, conn)
		if err != nil {
			return nil, err
		}
		dc.httpConn = hc
	}
	return dc, nil
}
