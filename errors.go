// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/bassosimone/errclass"
)

// Error kinds. Every error returned by [*Engine.Execute] is an [*Error]
// whose Kind is one of these sentinels, so errors.Is(err, ErrTimeout) and
// friends work as expected.
var (
	// ErrResolution indicates that DNS resolution failed.
	ErrResolution = errors.New("resolution failed")

	// ErrConnection indicates a refused, reset or failed TLS connection.
	ErrConnection = errors.New("connection failed")

	// ErrTimeout indicates that the connect or the read timeout expired.
	ErrTimeout = errors.New("timeout")

	// ErrRedirect indicates a redirect loop or too many redirects.
	ErrRedirect = errors.New("redirect failed")

	// ErrMarshaling indicates malformed request data.
	ErrMarshaling = errors.New("malformed request")

	// ErrCancelled indicates that the caller aborted the request.
	ErrCancelled = errors.New("cancelled")

	// ErrEngineClosed indicates a call attempted after shutdown.
	ErrEngineClosed = errors.New("engine closed")
)

// Phase tells apart timeouts occurring while connecting from timeouts
// occurring while transferring data.
type Phase string

const (
	// PhaseConnect covers DNS, TCP connect, proxy setup and TLS handshake.
	PhaseConnect = Phase("connect")

	// PhaseTransfer covers writing the request and reading the response.
	PhaseTransfer = Phase("transfer")
)

// Error is the error type returned by the engine.
type Error struct {
	// Kind is one of the sentinel kinds (e.g., [ErrTimeout]).
	Kind error

	// Phase is the phase in which the error occurred, if known.
	Phase Phase

	// Op is the operation that failed (e.g., "connect", "roundTrip").
	Op string

	// URL is the request URL, if known.
	URL string

	// Err is the underlying error, possibly nil.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("keqwest: ")
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(" ")
	}
	if e.URL != "" {
		sb.WriteString(e.URL)
		sb.WriteString(": ")
	}
	if e.Phase != "" && e.Kind == ErrTimeout {
		sb.WriteString(string(e.Phase))
		sb.WriteString(" ")
	}
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap allows errors.Is to match both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of err or nil if err is not an [*Error].
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// newError constructs a new [*Error].
func newError(kind error, phase Phase, op, URL string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Op: op, URL: URL, Err: err}
}

// errCancelCause is the cause attached to per-call contexts when the
// caller cancels a call through [Core.Cancel].
var errCancelCause = errors.New("call cancelled by caller")

// errConnectTimeout is the cause attached to per-candidate connect
// contexts when the connect timeout expires.
var errConnectTimeout = errors.New("connect timeout expired")

// classifyError maps a raw error to an [*Error].
//
// Errors that already are [*Error] are returned unchanged.
func classifyError(err error, phase Phase, op, URL string) *Error {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return newError(classifyKind(err), phase, op, URL, err)
}

func classifyKind(err error) error {
	switch {
	case errors.Is(err, ErrEngineClosed):
		return ErrEngineClosed

	case errors.Is(err, errCancelCause), errors.Is(err, context.Canceled):
		return ErrCancelled

	case errors.Is(err, errConnectTimeout),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrResolution
	}

	var (
		certErr   *tls.CertificateVerificationError
		alertErr  tls.AlertError
		hostErr   x509.HostnameError
		authErr   x509.UnknownAuthorityError
		invalidEr x509.CertificateInvalidError
		recordErr tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &alertErr), errors.As(err, &hostErr),
		errors.As(err, &authErr), errors.As(err, &invalidEr), errors.As(err, &recordErr):
		return ErrConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	if errclass.New(err) == errclass.ETIMEDOUT {
		return ErrTimeout
	}
	return ErrConnection
}
