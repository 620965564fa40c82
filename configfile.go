// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the TOML representation of [Config].
//
// Absent keys keep the [NewConfig] defaults, hence the pointers.
type fileConfig struct {
	ConnectTimeout      *string       `toml:"connect_timeout,omitempty"`
	TLSHandshakeTimeout *string       `toml:"tls_handshake_timeout,omitempty"`
	ReadTimeout         *string       `toml:"read_timeout,omitempty"`
	MaxConnsPerHost     *int          `toml:"max_conns_per_host,omitempty"`
	MaxIdleConnsPerHost *int          `toml:"max_idle_conns_per_host,omitempty"`
	IdleKeepAlive       *string       `toml:"idle_keep_alive,omitempty"`
	MaxHeaderBytes      *int          `toml:"max_header_bytes,omitempty"`
	RetryIdempotent     *bool         `toml:"retry_idempotent,omitempty"`
	CancelGrace         *string       `toml:"cancel_grace,omitempty"`
	ShutdownTimeout     *string       `toml:"shutdown_timeout,omitempty"`
	Proxy               *ProxyConfig  `toml:"proxy,omitempty"`
	TLS                 *fileTLS      `toml:"tls,omitempty"`
	Redirect            *fileRedirect `toml:"redirect,omitempty"`
	DNS                 *fileDNS      `toml:"dns,omitempty"`
}

type fileTLS struct {
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty"`
	RootCAsFile        string   `toml:"root_cas_file,omitempty"`
	RootCAsPEM         string   `toml:"root_cas_pem,omitempty"`
	NextProtos         []string `toml:"next_protos,omitempty"`
}

type fileRedirect struct {
	Follow         *bool `toml:"follow,omitempty"`
	MaxHops        *int  `toml:"max_hops,omitempty"`
	SameOriginOnly *bool `toml:"same_origin_only,omitempty"`
}

type fileDNS struct {
	Servers     []DNSServer                 `toml:"servers,omitempty"`
	Timeout     *string                     `toml:"timeout,omitempty"`
	StaticHosts map[string][]string         `toml:"static_hosts,omitempty"`
	Fallback    map[string][]FallbackTarget `toml:"fallback,omitempty"`
}

// ParseConfig parses a TOML document into a validated [*Config].
//
// Durations are strings accepted by [time.ParseDuration]. Keys absent
// from the document keep the [NewConfig] defaults. Unknown keys are
// an error. A minimal document looks like this:
//
//	connect_timeout = "2s"
//	max_conns_per_host = 4
//
//	[redirect]
//	max_hops = 5
//
//	[[dns.servers]]
//	url = "udp://8.8.8.8:53"
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg := NewConfig()
	if err := fc.apply(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a TOML config file using [ParseConfig].
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// MarshalTOML serializes the data fields of the config to TOML.
//
// Ambient fields (Logger, Dialer, Core, ...) are not serialized. The
// RootCAsPEM bytes are serialized inline.
func (c *Config) MarshalTOML() ([]byte, error) {
	fc := fileConfig{
		ConnectTimeout:      durationString(c.ConnectTimeout),
		TLSHandshakeTimeout: durationString(c.TLSHandshakeTimeout),
		ReadTimeout:         durationString(c.ReadTimeout),
		MaxConnsPerHost:     &c.MaxConnsPerHost,
		MaxIdleConnsPerHost: &c.MaxIdleConnsPerHost,
		IdleKeepAlive:       durationString(c.IdleKeepAlive),
		MaxHeaderBytes:      &c.MaxHeaderBytes,
		RetryIdempotent:     &c.RetryIdempotent,
		CancelGrace:         durationString(c.CancelGrace),
		ShutdownTimeout:     durationString(c.ShutdownTimeout),
		Proxy:               c.Proxy,
		TLS: &fileTLS{
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			RootCAsPEM:         string(c.TLS.RootCAsPEM),
			NextProtos:         c.TLS.NextProtos,
		},
		Redirect: &fileRedirect{
			Follow:         &c.Redirect.Follow,
			MaxHops:        &c.Redirect.MaxHops,
			SameOriginOnly: &c.Redirect.SameOriginOnly,
		},
		DNS: &fileDNS{
			Servers:     c.DNS.Servers,
			Timeout:     durationString(c.DNS.Timeout),
			StaticHosts: c.DNS.StaticHosts,
			Fallback:    c.DNS.Fallback,
		},
	}
	return toml.Marshal(fc)
}

func durationString(d time.Duration) *string {
	s := d.String()
	return &s
}

func (fc *fileConfig) apply(cfg *Config) error {
	durations := []struct {
		name  string
		value *string
		dest  *time.Duration
	}{
		{"connect_timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"tls_handshake_timeout", fc.TLSHandshakeTimeout, &cfg.TLSHandshakeTimeout},
		{"read_timeout", fc.ReadTimeout, &cfg.ReadTimeout},
		{"idle_keep_alive", fc.IdleKeepAlive, &cfg.IdleKeepAlive},
		{"cancel_grace", fc.CancelGrace, &cfg.CancelGrace},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	if fc.DNS != nil {
		durations = append(durations, struct {
			name  string
			value *string
			dest  *time.Duration
		}{"dns.timeout", fc.DNS.Timeout, &cfg.DNS.Timeout})
	}
	for _, entry := range durations {
		if entry.value == nil {
			continue
		}
		d, err := time.ParseDuration(*entry.value)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.name, err)
		}
		*entry.dest = d
	}

	setIfPresent(&cfg.MaxConnsPerHost, fc.MaxConnsPerHost)
	setIfPresent(&cfg.MaxIdleConnsPerHost, fc.MaxIdleConnsPerHost)
	setIfPresent(&cfg.MaxHeaderBytes, fc.MaxHeaderBytes)
	setIfPresent(&cfg.RetryIdempotent, fc.RetryIdempotent)

	if fc.Proxy != nil {
		proxy := *fc.Proxy
		cfg.Proxy = &proxy
	}

	if fc.TLS != nil {
		cfg.TLS.InsecureSkipVerify = fc.TLS.InsecureSkipVerify
		cfg.TLS.NextProtos = fc.TLS.NextProtos
		cfg.TLS.RootCAsPEM = []byte(fc.TLS.RootCAsPEM)
		if fc.TLS.RootCAsFile != "" {
			data, err := os.ReadFile(fc.TLS.RootCAsFile)
			if err != nil {
				return fmt.Errorf("tls.root_cas_file: %w", err)
			}
			cfg.TLS.RootCAsPEM = append(cfg.TLS.RootCAsPEM, data...)
		}
	}

	if fc.Redirect != nil {
		setIfPresent(&cfg.Redirect.Follow, fc.Redirect.Follow)
		setIfPresent(&cfg.Redirect.MaxHops, fc.Redirect.MaxHops)
		setIfPresent(&cfg.Redirect.SameOriginOnly, fc.Redirect.SameOriginOnly)
	}

	if fc.DNS != nil {
		cfg.DNS.Servers = fc.DNS.Servers
		cfg.DNS.StaticHosts = fc.DNS.StaticHosts
		cfg.DNS.Fallback = fc.DNS.Fallback
	}
	return nil
}

func setIfPresent[T any](dest *T, value *T) {
	if value != nil {
		*dest = *value
	}
}
