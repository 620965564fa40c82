// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewConnectFunc populates all fields from Config and the provided logger.
func TestNewConnectFunc(t *testing.T) {
	cfg := NewConfig()
	logger := DefaultSLogger()

	fn := NewConnectFunc(cfg, "tcp", logger)

	require.NotNil(t, fn)
	assert.Equal(t, cfg.Dialer, fn.Dialer)
	assert.NotNil(t, fn.ErrClassifier)
	assert.Equal(t, logger, fn.Logger)
	assert.Equal(t, "tcp", fn.Network)
	assert.NotNil(t, fn.TimeNow)
}

// Call dials the address and returns the connection or the error.
func TestConnectFuncCall(t *testing.T) {
	cases := []struct {
		// name describes what this test case verifies.
		name string

		// network is the network to dial.
		network string

		// dialErr is the error returned by the dialer.
		dialErr error
	}{
		{name: "tcp success", network: "tcp"},
		{name: "udp success", network: "udp"},
		{name: "dial failure", network: "tcp", dialErr: errors.New("connection refused")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotNetwork, gotAddress string
			cfg := NewConfig()
			cfg.Dialer = &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					gotNetwork, gotAddress = network, address
					if tc.dialErr != nil {
						return nil, tc.dialErr
					}
					return newMinimalConn(), nil
				},
			}

			fn := NewConnectFunc(cfg, tc.network, DefaultSLogger())
			conn, err := fn.Call(context.Background(), netip.MustParseAddrPort("127.0.0.1:8080"))

			assert.Equal(t, tc.network, gotNetwork)
			assert.Equal(t, "127.0.0.1:8080", gotAddress)
			if tc.dialErr != nil {
				require.ErrorIs(t, err, tc.dialErr)
				assert.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, conn)
		})
	}
}

// Call emits connectStart/connectDone log events.
func TestConnectFuncLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return newMinimalConn(), nil
		},
	}

	_, err := NewConnectFunc(cfg, "tcp", logger).Call(context.Background(), netip.MustParseAddrPort("10.0.0.1:443"))
	require.NoError(t, err)

	assert.Equal(t, []string{"connectStart", "connectDone"}, records.messages())
	record, _ := records.find("connectDone")
	value, found := recordAttr(record, "remoteAddr")
	require.True(t, found)
	assert.Equal(t, "10.0.0.1:443", value.String())
}

// blockingDialer returns a dialer that blocks until the context is done.
func blockingDialer() *netstub.FuncDialer {
	return &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
		},
	}
}

// connectCandidates tries candidates in order and honors the per-attempt timeout.
func TestConnectCandidates(t *testing.T) {
	first := candidate{addr: netip.MustParseAddrPort("10.0.0.1:80")}
	second := candidate{addr: netip.MustParseAddrPort("10.0.0.2:80"), sni: "edge.example"}

	t.Run("falls back to the next candidate", func(t *testing.T) {
		var tried []string
		cfg := NewConfig()
		cfg.Dialer = &netstub.FuncDialer{
			DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
				tried = append(tried, address)
				if address == first.addr.String() {
					return nil, errors.New("connection refused")
				}
				return newMinimalConn(), nil
			},
		}
		metrics := NewMetrics()

		conn, chosen, err := connectCandidates(context.Background(), NewConnectFunc(cfg, "tcp", DefaultSLogger()),
			[]candidate{first, second}, time.Second, metrics)

		require.NoError(t, err)
		assert.NotNil(t, conn)
		assert.Equal(t, second, chosen)
		assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, tried)
	})

	t.Run("all refused", func(t *testing.T) {
		cfg := NewConfig()
		cfg.Dialer = &netstub.FuncDialer{
			DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
				return nil, errors.New("connection refused")
			},
		}

		_, _, err := connectCandidates(context.Background(), NewConnectFunc(cfg, "tcp", DefaultSLogger()),
			[]candidate{first, second}, time.Second, nil)

		require.ErrorIs(t, err, ErrConnection)
		var kerr *Error
		require.ErrorAs(t, err, &kerr)
		assert.Equal(t, PhaseConnect, kerr.Phase)
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := NewConfig()
		cfg.Dialer = blockingDialer()

		t0 := time.Now()
		_, _, err := connectCandidates(context.Background(), NewConnectFunc(cfg, "tcp", DefaultSLogger()),
			[]candidate{first}, 50*time.Millisecond, nil)
		elapsed := time.Since(t0)

		require.ErrorIs(t, err, ErrTimeout)
		var kerr *Error
		require.ErrorAs(t, err, &kerr)
		assert.Equal(t, PhaseConnect, kerr.Phase)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("parent context cancelled", func(t *testing.T) {
		cfg := NewConfig()
		cfg.Dialer = blockingDialer()
		ctx, cancel := context.WithCancelCause(context.Background())
		wantErr := errors.New("caller gave up")
		time.AfterFunc(10*time.Millisecond, func() { cancel(wantErr) })

		_, _, err := connectCandidates(ctx, NewConnectFunc(cfg, "tcp", DefaultSLogger()),
			[]candidate{first, second}, time.Minute, nil)

		require.ErrorIs(t, err, wantErr)
	})

	t.Run("no candidates", func(t *testing.T) {
		_, _, err := connectCandidates(context.Background(), NewConnectFunc(NewConfig(), "tcp", DefaultSLogger()),
			nil, time.Second, nil)
		require.ErrorIs(t, err, errNoCandidates)
	})
}
