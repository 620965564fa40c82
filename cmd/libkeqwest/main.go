// SPDX-License-Identifier: GPL-3.0-or-later

// Command libkeqwest exposes the keqwest engine through a C ABI.
//
// Build with -buildmode=c-shared or -buildmode=c-archive, or use the
// keqwest-build command. The API is declared in include/keqwest.h.
//
// Engines and calls are opaque integer handles. Request memory is
// copied before keqwest_submit returns, response data is copied into
// caller buffers, and callbacks run on threads owned by the library.
//
// Set KEQWEST_LOG to debug, info or warn to write JSON logs to stderr.
package main

func main() {}
