// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acquire caps concurrent holders per key and queues the excess.
func TestDispatchGate(t *testing.T) {
	gate := newDispatchGate(2)
	ctx := context.Background()

	release1, err := gate.acquire(ctx, "a")
	require.NoError(t, err)
	release2, err := gate.acquire(ctx, "a")
	require.NoError(t, err)

	// other keys are independent
	releaseB, err := gate.acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()

	acquired := make(chan func())
	go func() {
		release3, err := gate.acquire(ctx, "a")
		if err == nil {
			acquired <- release3
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third holder must wait")
	case <-time.After(20 * time.Millisecond):
	}

	release1()
	release1() // idempotent
	var release3 func()
	select {
	case release3 = <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third holder never acquired")
	}

	release2()
	release3()
	assert.Equal(t, 0, gate.size(), "idle keys are forgotten")
}

// acquire gives up when the context is done while queued.
func TestDispatchGateCancelled(t *testing.T) {
	gate := newDispatchGate(1)
	release, err := gate.acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = gate.acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, gate.size())
}

// hostKey normalizes default ports.
func TestHostKey(t *testing.T) {
	cases := []struct {
		// URL is the URL to key.
		URL string

		// want is the expected key.
		want string
	}{
		{"http://example.com/x", "http://example.com:80"},
		{"https://example.com/", "https://example.com:443"},
		{"https://example.com:8443/", "https://example.com:8443"},
		{"http://[::1]:8080/", "http://[::1]:8080"},
	}
	for _, tc := range cases {
		URL, err := url.Parse(tc.URL)
		require.NoError(t, err)
		assert.Equal(t, tc.want, hostKey(URL))
	}
}
