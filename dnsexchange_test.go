// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testZone answers A queries for the names it contains and NXDOMAIN otherwise.
type testZone map[string]string

// ServeDNS implements [dns.Handler].
func (z testZone) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	question := req.Question[0]
	addr, found := z[question.Name]
	switch {
	case !found:
		resp.Rcode = dns.RcodeNameError
	case question.Qtype == dns.TypeA:
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(addr),
		})
	}
	w.WriteMsg(resp)
}

// startDNSServer runs a DNS server for zone on a loopback address and
// returns the server URL (e.g., "udp://127.0.0.1:5353").
func startDNSServer(t *testing.T, network string, zone testZone) string {
	t.Helper()
	started := make(chan struct{})
	srv := &dns.Server{Handler: zone, NotifyStartedFunc: func() { close(started) }}
	var address string
	switch network {
	case "udp":
		pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		srv.PacketConn = pconn
		address = pconn.LocalAddr().String()
	default:
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv.Listener = listener
		address = listener.Addr().String()
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return network + "://" + address
}

// parseDNSServer validates the URL and requires IP literal addresses.
func TestParseDNSServer(t *testing.T) {
	cases := []struct {
		// name describes what this test case verifies.
		name string

		// server is the server to parse.
		server DNSServer

		// wantProtocol is the expected protocol.
		wantProtocol string

		// wantAddress is the expected address.
		wantAddress string

		// wantErr indicates whether parsing should fail.
		wantErr bool
	}{
		{name: "udp default port", server: DNSServer{URL: "udp://8.8.8.8"},
			wantProtocol: dnsProtocolUDP, wantAddress: "8.8.8.8:53"},
		{name: "tcp explicit port", server: DNSServer{URL: "tcp://1.1.1.1:5353"},
			wantProtocol: dnsProtocolTCP, wantAddress: "1.1.1.1:5353"},
		{name: "tls default port", server: DNSServer{URL: "tls://[2001:4860:4860::8888]"},
			wantProtocol: dnsProtocolDoT, wantAddress: "[2001:4860:4860::8888]:853"},
		{name: "https with pinned address", server: DNSServer{URL: "https://dns.google/dns-query", Address: "8.8.4.4:443"},
			wantProtocol: dnsProtocolHTTPS, wantAddress: "8.8.4.4:443"},
		{name: "https without address", server: DNSServer{URL: "https://dns.google/dns-query"}, wantErr: true},
		{name: "unsupported scheme", server: DNSServer{URL: "quic://8.8.8.8"}, wantErr: true},
		{name: "bad port", server: DNSServer{URL: "udp://8.8.8.8:99999"}, wantErr: true},
		{name: "bad pinned address", server: DNSServer{URL: "tls://dns.google", Address: "dns.google:853"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := parseDNSServer(tc.server)
			if tc.wantErr {
				require.ErrorIs(t, err, errInvalidDNSServer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantProtocol, ep.protocol)
			assert.Equal(t, netip.MustParseAddrPort(tc.wantAddress), ep.address)
		})
	}
}

// Exchange resolves A records over UDP and TCP connections.
func TestDNSConnExchange(t *testing.T) {
	zone := testZone{"example.test.": "10.1.2.3"}
	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			ep, err := parseDNSServer(DNSServer{URL: startDNSServer(t, network, zone)})
			require.NoError(t, err)

			logger, records := newCapturingLogger()
			cfg := NewConfig()
			pipeline := Compose3(
				NewConnectFunc(cfg, network, logger),
				NewObserveConnFunc(cfg, logger),
				NewDNSConnFunc[net.Conn](cfg, ep.protocol, ep.URL, logger),
			)
			dnsConn, err := pipeline.Call(context.Background(), ep.address)
			require.NoError(t, err)
			defer dnsConn.Close()

			resp, err := dnsConn.Exchange(context.Background(), dnscodec.NewQuery("example.test", dns.TypeA))
			require.NoError(t, err)
			addrs, err := resp.RecordsA()
			require.NoError(t, err)

			assert.Equal(t, []string{"10.1.2.3"}, addrs)
			assert.Contains(t, records.messages(), "dnsExchangeStart")
			assert.Contains(t, records.messages(), "dnsExchangeDone")
			assert.Contains(t, records.messages(), "dnsResponse")
		})
	}
}

// Exchange propagates write errors from the underlying connection.
func TestDNSConnExchangeWriteError(t *testing.T) {
	wantErr := errors.New("write error")
	mockConn := newMinimalConn()
	mockConn.WriteFunc = func(b []byte) (int, error) {
		return 0, wantErr
	}

	dnsConn, err := NewDNSConnFunc[net.Conn](NewConfig(), dnsProtocolUDP, "", DefaultSLogger()).
		Call(context.Background(), mockConn)
	require.NoError(t, err)

	_, err = dnsConn.Exchange(context.Background(), dnscodec.NewQuery("example.com", dns.TypeA))

	require.Error(t, err)
}

// Call refuses DNS over TLS on a plain connection and closes it.
func TestDNSConnFuncDoTNeedsTLS(t *testing.T) {
	closed := false
	mockConn := newMinimalConn()
	mockConn.CloseFunc = func() error {
		closed = true
		return nil
	}

	_, err := NewDNSConnFunc[net.Conn](NewConfig(), dnsProtocolDoT, "", DefaultSLogger()).
		Call(context.Background(), mockConn)

	require.ErrorIs(t, err, errInvalidDNSServer)
	assert.True(t, closed)
}

// The placeholder dialer must never be used.
func TestDNSUnusedDialerPanics(t *testing.T) {
	assert.Panics(t, func() {
		dnsUnusedDialer{}.DialContext(context.Background(), "udp", "127.0.0.1:53")
	})
}
