// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Error renders the operation, the URL, the phase of timeouts and the cause.
func TestErrorString(t *testing.T) {
	cases := []struct {
		// name describes what this test case verifies.
		name string

		// err is the error to render.
		err *Error

		// want is the expected string.
		want string
	}{
		{
			name: "kind only",
			err:  newError(ErrEngineClosed, "", "", "", nil),
			want: "keqwest: engine closed",
		},
		{
			name: "timeout with phase and URL",
			err:  newError(ErrTimeout, PhaseConnect, "connect", "http://x/", errors.New("boom")),
			want: "keqwest: connect http://x/: connect timeout: boom",
		},
		{
			name: "phase omitted for other kinds",
			err:  newError(ErrConnection, PhaseTransfer, "roundTrip", "", errors.New("reset")),
			want: "keqwest: roundTrip connection failed: reset",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

// errors.Is matches both the kind and the underlying cause.
func TestErrorIs(t *testing.T) {
	cause := errors.New("cause")
	err := fmt.Errorf("wrapped: %w", newError(ErrTimeout, PhaseTransfer, "readBody", "", cause))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnection)
	assert.Equal(t, ErrTimeout, KindOf(err))
	assert.Nil(t, KindOf(errors.New("plain")))
}

// classifyError maps raw errors to kinds and keeps existing *Error values.
func TestClassifyError(t *testing.T) {
	cases := []struct {
		// name describes what this test case verifies.
		name string

		// err is the raw error.
		err error

		// want is the expected kind.
		want error
	}{
		{"engine closed", fmt.Errorf("x: %w", ErrEngineClosed), ErrEngineClosed},
		{"caller cancel", errCancelCause, ErrCancelled},
		{"context canceled", context.Canceled, ErrCancelled},
		{"connect timeout", errConnectTimeout, ErrTimeout},
		{"deadline exceeded", os.ErrDeadlineExceeded, ErrTimeout},
		{"context deadline", context.DeadlineExceeded, ErrTimeout},
		{"dns error", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}, ErrResolution},
		{"unknown authority", x509.UnknownAuthorityError{}, ErrConnection},
		{"hostname mismatch", x509.HostnameError{Host: "example.com"}, ErrConnection},
		{"refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrConnection},
		{"generic", errors.New("mystery"), ErrConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyError(tc.err, PhaseConnect, "op", "http://x/")
			require.NotNil(t, err)
			assert.Equal(t, tc.want, err.Kind)
			assert.Equal(t, PhaseConnect, err.Phase)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	t.Run("existing error is unchanged", func(t *testing.T) {
		orig := newError(ErrRedirect, "", "redirect", "", nil)
		assert.Same(t, orig, classifyError(orig, PhaseTransfer, "other", "http://y/"))
	})
}

// asEngineError maps nil to nil.
func TestAsEngineErrorNil(t *testing.T) {
	assert.NoError(t, asEngineError(nil, PhaseConnect, "op", ""))
}

// withURL fills the URL of errors without one and leaves the rest alone.
func TestWithURL(t *testing.T) {
	err := withURL(newError(ErrTimeout, PhaseConnect, "connect", "", nil), "http://x/")
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "http://x/", kerr.URL)

	err = withURL(newError(ErrTimeout, PhaseConnect, "connect", "http://a/", nil), "http://x/")
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "http://a/", kerr.URL)

	plain := errors.New("plain")
	assert.Same(t, plain, withURL(plain, "http://x/"))
}
