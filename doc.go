// SPDX-License-Identifier: GPL-3.0-or-later

// Package keqwest is an HTTP client engine whose requests cross an
// asynchronous boundary between the caller and a transport core.
//
// # Architecture
//
// A call flows through four layers:
//
//   - [Engine]: the public surface. It validates the [Config], queues
//     requests per host, dispatches them and shuts down deterministically.
//   - Marshaling: a [*Request] becomes a self-contained [*WireRequest]
//     before any core resource exists, and a [*WireResponse] becomes a
//     [*Response] whose body copies each chunk into caller-owned memory.
//   - Completion bridge: a table of pending calls where the completion
//     path and the cancellation path race through a single atomic claim,
//     so that each call resumes exactly once.
//   - [Core]: executes requests asynchronously and reports exactly one
//     [Outcome] per [Handle]. [*Transport] is the production core.
//
// # Transport
//
// The [*Transport] opens connections through a pipeline of [Func] stages
// composed with [Compose5]: resolve, connect, proxy tunnel, TLS handshake
// and HTTP connection. Name resolution uses [DNSConfig] (static hosts,
// DNS over UDP, TCP, TLS or HTTPS, per-host fallback addresses) and
// falls back to the system resolver. Connections are pooled per engine
// and keyed by (scheme, host, port).
//
// # Errors
//
// Every error returned by [*Engine.Execute] and by reading a response
// body is an [*Error] whose Kind is one of [ErrResolution],
// [ErrConnection], [ErrTimeout], [ErrRedirect], [ErrMarshaling],
// [ErrCancelled] or [ErrEngineClosed]. Use [errors.Is] to test the kind
// and [Error.Phase] to tell connect timeouts from transfer timeouts.
//
// # Observability
//
// Pass a [*slog.Logger] as [Config.Logger] to receive structured events.
// Operations emit paired *Start and *Done events with t0 and t fields,
// and every event emitted on behalf of a call carries its spanID. I/O
// events are logged at debug level. Pass [NewMetrics] as [Config.Metrics]
// to collect Prometheus metrics.
//
// # Native library
//
// The cmd/libkeqwest command builds the engine as a C shared library or
// static archive, and cmd/keqwest-build drives the per-target builds.
package keqwest
