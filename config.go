// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"time"
)

// ErrInvalidConfig is returned by [*Config.Validate] and [NewEngine].
var ErrInvalidConfig = errors.New("keqwest: invalid config")

// Config holds the engine configuration.
//
// All fields have sensible defaults set by [NewConfig]. The engine keeps
// a deep clone of the config it is constructed with, so mutating a
// [*Config] after [NewEngine] returns has no effect on the engine.
type Config struct {
	// ConnectTimeout bounds each TCP connect attempt.
	//
	// Set by [NewConfig] to 5 seconds.
	ConnectTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	//
	// Set by [NewConfig] to 10 seconds.
	TLSHandshakeTimeout time.Duration

	// ReadTimeout is the maximum silence between two socket reads while
	// a request is active, including reads of the response body.
	//
	// Set by [NewConfig] to 30 seconds.
	ReadTimeout time.Duration

	// MaxConnsPerHost caps the live connections per (scheme, host, port),
	// and the concurrent dispatches per host. Additional requests queue.
	//
	// Set by [NewConfig] to 6.
	MaxConnsPerHost int

	// MaxIdleConnsPerHost caps the idle connections kept per host.
	//
	// Set by [NewConfig] to 2.
	MaxIdleConnsPerHost int

	// IdleKeepAlive is the maximum time a connection may sit idle in the
	// pool and still be reused.
	//
	// Set by [NewConfig] to 90 seconds.
	IdleKeepAlive time.Duration

	// MaxHeaderBytes caps the request header list size, measured as the
	// sum of the HPACK entry sizes of all the header fields.
	//
	// Set by [NewConfig] to 64 KiB.
	MaxHeaderBytes int

	// Proxy is the optional proxy to use.
	Proxy *ProxyConfig

	// TLS is the TLS trust policy.
	TLS TLSPolicy

	// Redirect is the default redirect policy.
	//
	// Set by [NewConfig] to follow at most 10 hops.
	Redirect RedirectPolicy

	// DNS configures name resolution.
	DNS DNSConfig

	// RetryIdempotent enables retrying idempotent requests once when a
	// reused connection turns out to be stale.
	//
	// Set by [NewConfig] to true.
	RetryIdempotent bool

	// CancelGrace bounds how long a cancelled call waits for the core
	// to acknowledge the cancellation.
	//
	// Set by [NewConfig] to 100 milliseconds.
	CancelGrace time.Duration

	// ShutdownTimeout bounds [*Engine.Close].
	//
	// Set by [NewConfig] to 5 seconds.
	ShutdownTimeout time.Duration

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// Dialer is the [Dialer] used to open TCP connections.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// TLSEngine is the [TLSEngine] used to handshake.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// Metrics is the optional [*Metrics] to update.
	Metrics *Metrics

	// Core is the [Core] executing requests. When nil, the engine uses
	// the process-wide shared [*Transport].
	Core Core
}

// ProxyConfig configures an outbound proxy.
type ProxyConfig struct {
	// URL is the proxy URL. Supported schemes are "http", "https"
	// (both tunnel every target with CONNECT) and "socks5".
	URL string `toml:"url"`
}

// TLSPolicy configures TLS trust.
type TLSPolicy struct {
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	// RootCAsPEM, when not empty, replaces the system roots.
	RootCAsPEM []byte `toml:"-"`

	// NextProtos is the ALPN list. Empty means h2 then http/1.1.
	NextProtos []string `toml:"next_protos"`
}

// RedirectPolicy configures redirect following.
type RedirectPolicy struct {
	// Follow enables following redirects.
	Follow bool `toml:"follow"`

	// MaxHops is the maximum number of redirects to follow.
	MaxHops int `toml:"max_hops"`

	// SameOriginOnly returns the 3xx response instead of following a
	// redirect that leaves the origin.
	SameOriginOnly bool `toml:"same_origin_only"`
}

// DNSServer is an upstream DNS server.
type DNSServer struct {
	// URL is the server URL, e.g. "udp://8.8.8.8:53", "tcp://8.8.8.8:53",
	// "tls://8.8.8.8:853" or "https://dns.google/dns-query".
	URL string `toml:"url"`

	// Address optionally pins the IP:port to connect to for "https"
	// servers, whose URL host would otherwise need resolving.
	Address string `toml:"address"`
}

// FallbackTarget is an address used when DNS fails for a host.
type FallbackTarget struct {
	// IP is the literal IP address.
	IP string `toml:"ip"`

	// Port overrides the request port when not zero.
	Port uint16 `toml:"port"`

	// SNI overrides the TLS server name when not empty.
	SNI string `toml:"sni"`
}

// DNSConfig configures name resolution.
type DNSConfig struct {
	// Servers are the upstream servers to query in order. Empty means
	// using the system resolver.
	Servers []DNSServer

	// Timeout bounds the whole resolution.
	//
	// Set by [NewConfig] to 1 second.
	Timeout time.Duration

	// StaticHosts maps host names to IP addresses, bypassing DNS.
	StaticHosts map[string][]string

	// Fallback maps host names to targets appended to the DNS results,
	// and used alone when DNS fails.
	Fallback map[string][]FallbackTarget
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		ConnectTimeout:      5 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ReadTimeout:         30 * time.Second,
		MaxConnsPerHost:     6,
		MaxIdleConnsPerHost: 2,
		IdleKeepAlive:       90 * time.Second,
		MaxHeaderBytes:      64 << 10,
		Redirect:            RedirectPolicy{Follow: true, MaxHops: 10},
		DNS:                 DNSConfig{Timeout: time.Second},
		RetryIdempotent:     true,
		CancelGrace:         100 * time.Millisecond,
		ShutdownTimeout:     5 * time.Second,
		Logger:              DefaultSLogger(),
		ErrClassifier:       DefaultErrClassifier,
		TimeNow:             time.Now,
		Dialer:              &net.Dialer{},
		TLSEngine:           TLSEngineStdlib{},
	}
}

// Validate returns an error wrapping [ErrInvalidConfig] when the
// configuration cannot be used.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"ConnectTimeout", c.ConnectTimeout},
		{"TLSHandshakeTimeout", c.TLSHandshakeTimeout},
		{"ReadTimeout", c.ReadTimeout},
		{"IdleKeepAlive", c.IdleKeepAlive},
		{"DNS.Timeout", c.DNS.Timeout},
		{"CancelGrace", c.CancelGrace},
		{"ShutdownTimeout", c.ShutdownTimeout},
	}
	for _, entry := range positive {
		if entry.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, entry.name)
		}
	}
	if c.MaxConnsPerHost < 1 {
		return fmt.Errorf("%w: MaxConnsPerHost must be at least 1", ErrInvalidConfig)
	}
	if c.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("%w: MaxIdleConnsPerHost must not be negative", ErrInvalidConfig)
	}
	if c.MaxHeaderBytes < 1 {
		return fmt.Errorf("%w: MaxHeaderBytes must be positive", ErrInvalidConfig)
	}
	if c.Redirect.MaxHops < 0 {
		return fmt.Errorf("%w: Redirect.MaxHops must not be negative", ErrInvalidConfig)
	}
	if c.Logger == nil || c.ErrClassifier == nil || c.TimeNow == nil || c.Dialer == nil || c.TLSEngine == nil {
		return fmt.Errorf("%w: Logger, ErrClassifier, TimeNow, Dialer and TLSEngine must be set", ErrInvalidConfig)
	}
	if c.Proxy != nil {
		if _, err := parseProxyURL(c.Proxy.URL); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	for _, server := range c.DNS.Servers {
		if _, err := parseDNSServer(server); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	for host, addrs := range c.DNS.StaticHosts {
		for _, addr := range addrs {
			if _, err := netip.ParseAddr(addr); err != nil {
				return fmt.Errorf("%w: static host %q: %w", ErrInvalidConfig, host, err)
			}
		}
	}
	for host, targets := range c.DNS.Fallback {
		for _, target := range targets {
			if _, err := netip.ParseAddr(target.IP); err != nil {
				return fmt.Errorf("%w: fallback for %q: %w", ErrInvalidConfig, host, err)
			}
		}
	}
	if len(c.TLS.RootCAsPEM) > 0 {
		if _, err := c.TLS.rootCAs(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// clone returns a deep copy of the config.
func (c *Config) clone() *Config {
	out := *c
	if c.Proxy != nil {
		proxy := *c.Proxy
		out.Proxy = &proxy
	}
	out.TLS.RootCAsPEM = slices.Clone(c.TLS.RootCAsPEM)
	out.TLS.NextProtos = slices.Clone(c.TLS.NextProtos)
	out.DNS.Servers = slices.Clone(c.DNS.Servers)
	if c.DNS.StaticHosts != nil {
		out.DNS.StaticHosts = make(map[string][]string, len(c.DNS.StaticHosts))
		for host, addrs := range c.DNS.StaticHosts {
			out.DNS.StaticHosts[host] = slices.Clone(addrs)
		}
	}
	if c.DNS.Fallback != nil {
		out.DNS.Fallback = maps.Clone(c.DNS.Fallback)
		for host, targets := range c.DNS.Fallback {
			out.DNS.Fallback[host] = slices.Clone(targets)
		}
	}
	return &out
}

// errNoCertificates indicates a RootCAsPEM without any certificate.
var errNoCertificates = errors.New("RootCAsPEM contains no certificates")

func (p TLSPolicy) rootCAs() (*x509.CertPool, error) {
	if len(p.RootCAsPEM) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(p.RootCAsPEM) {
		return nil, errNoCertificates
	}
	return pool, nil
}

// tlsConfig returns the base [*tls.Config] for the policy. The caller
// sets ServerName per connection.
func (p TLSPolicy) tlsConfig() (*tls.Config, error) {
	roots, err := p.rootCAs()
	if err != nil {
		return nil, err
	}
	nextProtos := p.NextProtos
	if len(nextProtos) == 0 {
		nextProtos = []string{"h2", "http/1.1"}
	}
	return &tls.Config{
		InsecureSkipVerify: p.InsecureSkipVerify,
		NextProtos:         slices.Clone(nextProtos),
		RootCAs:            roots,
	}, nil
}

// errUnsupportedProxy indicates a proxy URL with an unsupported scheme.
var errUnsupportedProxy = errors.New("unsupported proxy scheme")

func parseProxyURL(value string) (*url.URL, error) {
	URL, err := url.Parse(value)
	if err != nil {
		return nil, err
	}
	switch URL.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedProxy, URL.Scheme)
	}
	if URL.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", value)
	}
	return URL, nil
}
