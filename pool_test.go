// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIdleConn returns a pooled connection counting its closes.
func newIdleConn(closes *atomic.Int64) *pooledConn {
	conn := newMinimalConn()
	conn.CloseFunc = func() error {
		closes.Add(1)
		return nil
	}
	return &pooledConn{hc: &HTTPConn{conn: conn}}
}

// pushIdle caps the idle connections per host and closeAll closes them.
func TestPoolSetIdle(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxIdleConnsPerHost = 1
	ps, err := newPoolSet(cfg)
	require.NoError(t, err)
	hp := ps.host("http://a.test:80")
	assert.Same(t, hp, ps.host("http://a.test:80"))

	var closes atomic.Int64
	first, second := newIdleConn(&closes), newIdleConn(&closes)

	assert.True(t, ps.pushIdle(hp, first))
	assert.False(t, ps.pushIdle(hp, second))
	assert.Equal(t, 1, ps.idleCount())

	assert.Same(t, first, ps.popIdle(hp))
	assert.Nil(t, ps.popIdle(hp))

	require.True(t, ps.pushIdle(hp, first))
	ps.closeAll()
	assert.Equal(t, int64(1), closes.Load())
	assert.Equal(t, 0, ps.idleCount())
	assert.False(t, ps.pushIdle(hp, second), "a closed pool refuses connections")
}

// acquire waits for a free connection slot.
func TestPoolSetAcquireLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	URL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cfg := NewConfig()
	cfg.MaxConnsPerHost = 1
	ps, err := newPoolSet(cfg)
	require.NoError(t, err)
	defer ps.closeAll()
	logger := DefaultSLogger()

	first, err := ps.acquire(context.Background(), URL, time.Second, time.Second, false, logger)
	require.NoError(t, err)
	assert.False(t, first.reused)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ps.acquire(ctx, URL, time.Second, time.Second, false, logger)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first.finish(false)
	first.finish(false)
	assert.True(t, first.pc.raw.isClosed())
	assert.Equal(t, 0, ps.idleCount())

	second, err := ps.acquire(context.Background(), URL, time.Second, time.Second, false, logger)
	require.NoError(t, err)
	second.finish(false)
}

// A lease whose context is done closes its connection.
func TestPoolSetLeaseAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	URL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	ps, err := newPoolSet(NewConfig())
	require.NoError(t, err)
	defer ps.closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	ls, err := ps.acquire(ctx, URL, time.Second, time.Second, false, DefaultSLogger())
	require.NoError(t, err)

	cancel()

	assert.Eventually(t, func() bool {
		return ls.pc.raw.isClosed()
	}, time.Second, time.Millisecond)
	ls.finish(true)
	assert.Equal(t, 0, ps.idleCount())
}
