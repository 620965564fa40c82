// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
)

// candidate is an address to connect to.
type candidate struct {
	// addr is the IP address and port.
	addr netip.AddrPort

	// sni overrides the TLS server name when not empty.
	sni string
}

// dialTarget is the host to resolve and the port to connect to.
type dialTarget struct {
	host string
	port uint16
}

// SystemResolver abstracts the [*net.Resolver] behavior.
type SystemResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// errNoAddresses indicates an empty DNS answer.
var errNoAddresses = errors.New("no addresses found")

// NewResolveFunc returns a new [*ResolveFunc].
func NewResolveFunc(cfg *Config, logger SLogger) *ResolveFunc {
	return &ResolveFunc{
		Config: cfg,
		Logger: logger,
		System: net.DefaultResolver,
	}
}

// ResolveFunc maps a host name to the candidate addresses to connect to.
//
// The lookup order is: IP literals, [DNSConfig.StaticHosts], then the
// configured DNS servers in order (or the system resolver when none is
// configured) bounded by [DNSConfig.Timeout]. The [DNSConfig.Fallback]
// targets of the host are appended to the results, and used alone when
// the lookup fails or returns nothing.
//
// Returns an [ErrResolution] error when no candidate exists.
type ResolveFunc struct {
	// Config is the engine config.
	Config *Config

	// Logger is the [SLogger] to use.
	Logger SLogger

	// System is the resolver used without DNS servers.
	//
	// Set by [NewResolveFunc] to [net.DefaultResolver].
	System SystemResolver
}

var _ Func[dialTarget, []candidate] = &ResolveFunc{}

// Call implements [Func].
func (op *ResolveFunc) Call(ctx context.Context, target dialTarget) ([]candidate, error) {
	host := strings.TrimSuffix(strings.TrimPrefix(target.host, "["), "]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return []candidate{{addr: netip.AddrPortFrom(addr, target.port)}}, nil
	}

	if static, found := op.Config.DNS.StaticHosts[host]; found {
		return op.fromAddrs(parseAddrs(static), target.port), nil
	}

	t0 := op.Config.TimeNow()
	lookupCtx, cancel := context.WithTimeout(ctx, op.Config.DNS.Timeout)
	deadline, _ := lookupCtx.Deadline()
	op.logLookupStart(host, t0, deadline)
	addrs, err := op.lookup(lookupCtx, host)
	cancel()
	op.logLookupDone(host, t0, deadline, addrs, err)

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	cands := op.fromAddrs(addrs, target.port)
	for _, fallback := range op.Config.DNS.Fallback[host] {
		addr, perr := netip.ParseAddr(fallback.IP)
		if perr != nil {
			continue // rejected by Validate
		}
		port := target.port
		if fallback.Port != 0 {
			port = fallback.Port
		}
		cands = append(cands, candidate{addr: netip.AddrPortFrom(addr, port), sni: fallback.SNI})
	}

	if len(cands) <= 0 {
		if err == nil {
			err = errNoAddresses
		}
		return nil, newError(ErrResolution, PhaseConnect, "resolve", "", fmt.Errorf("%s: %w", host, err))
	}
	return cands, nil
}

func (op *ResolveFunc) fromAddrs(addrs []netip.Addr, port uint16) []candidate {
	cands := make([]candidate, 0, len(addrs))
	for _, addr := range addrs {
		cands = append(cands, candidate{addr: netip.AddrPortFrom(addr.Unmap(), port)})
	}
	return cands
}

func parseAddrs(values []string) []netip.Addr {
	var addrs []netip.Addr
	for _, value := range values {
		if addr, err := netip.ParseAddr(value); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (op *ResolveFunc) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(op.Config.DNS.Servers) <= 0 {
		return op.System.LookupNetIP(ctx, "ip", host)
	}
	var errv []error
	for _, server := range op.Config.DNS.Servers {
		addrs, err := op.lookupWithServer(ctx, server, host)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		if err == nil {
			err = errNoAddresses
		}
		errv = append(errv, fmt.Errorf("%s: %w", server.URL, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errv...)
}

// lookupWithServer queries A records using a single server.
func (op *ResolveFunc) lookupWithServer(ctx context.Context, server DNSServer, host string) ([]netip.Addr, error) {
	ep, err := parseDNSServer(server)
	if err != nil {
		return nil, err
	}
	dnsConn, err := op.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer dnsConn.Close()

	resp, err := dnsConn.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeA))
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}
	return parseAddrs(records), nil
}

// dial opens a [*DNSConn] to the server using the dial pipeline of its protocol.
func (op *ResolveFunc) dial(ctx context.Context, ep *dnsServerEndpoint) (*DNSConn, error) {
	cfg := op.Config
	switch ep.protocol {
	case dnsProtocolUDP:
		return Compose4(
			NewConnectFunc(cfg, "udp", op.Logger),
			NewObserveConnFunc(cfg, op.Logger),
			NewCancelWatchFunc(),
			NewDNSConnFunc[net.Conn](cfg, ep.protocol, ep.URL, op.Logger),
		).Call(ctx, ep.address)

	case dnsProtocolTCP:
		return Compose4(
			NewConnectFunc(cfg, "tcp", op.Logger),
			NewObserveConnFunc(cfg, op.Logger),
			NewCancelWatchFunc(),
			NewDNSConnFunc[net.Conn](cfg, ep.protocol, ep.URL, op.Logger),
		).Call(ctx, ep.address)

	default:
		nextProtos := []string{"dot"}
		if ep.protocol == dnsProtocolHTTPS {
			nextProtos = []string{"h2", "http/1.1"}
		}
		tlsConfig, err := cfg.TLS.tlsConfig()
		if err != nil {
			return nil, err
		}
		tlsConfig.ServerName = ep.serverName
		tlsConfig.NextProtos = nextProtos
		return Compose5(
			NewConnectFunc(cfg, "tcp", op.Logger),
			NewObserveConnFunc(cfg, op.Logger),
			NewCancelWatchFunc(),
			NewTLSHandshakeFunc(cfg, tlsConfig, op.Logger),
			NewDNSConnFunc[TLSConn](cfg, ep.protocol, ep.URL, op.Logger),
		).Call(ctx, ep.address)
	}
}

func (op *ResolveFunc) logLookupStart(host string, t0, deadline time.Time) {
	op.Logger.Info(
		"dnsLookupStart",
		slog.Time("deadline", deadline),
		slog.String("dnsHostname", host),
		slog.Int("dnsServers", len(op.Config.DNS.Servers)),
		slog.Time("t", t0),
	)
}

func (op *ResolveFunc) logLookupDone(host string, t0, deadline time.Time, addrs []netip.Addr, err error) {
	op.Logger.Info(
		"dnsLookupDone",
		slog.Time("deadline", deadline),
		slog.Any("dnsAddrs", addrs),
		slog.String("dnsHostname", host),
		slog.Any("err", err),
		slog.String("errClass", op.Config.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", op.Config.TimeNow()),
	)
}
