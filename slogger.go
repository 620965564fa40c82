//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package keqwest

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// SLogger abstracts the [*slog.Logger] behavior.
//
// The engine uses three levels:
//   - Debug for per-I/O events (read, write, deadline changes)
//   - Info for lifecycle events (execute, connect, TLS handshake, round
//     trip, DNS exchange, pool reuse)
//   - Warn for shutdown anomalies (force-cancelled calls)
//
// The [*slog.Logger] type satisfies this interface.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// DefaultSLogger returns a logger that discards everything.
//
// Libraries should not write to stdout or stderr unless asked to.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

type discardSLogger struct{}

var _ SLogger = discardSLogger{}

// Debug implements [SLogger].
func (discardSLogger) Debug(msg string, args ...any) {}

// Info implements [SLogger].
func (discardSLogger) Info(msg string, args ...any) {}

// Warn implements [SLogger].
func (discardSLogger) Warn(msg string, args ...any) {}

// NewSpanID returns a UUIDv7 identifying a single Execute call.
//
// The engine attaches it to every event emitted on behalf of the call,
// so that DNS, dial and round trip events correlate across goroutines.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
