// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"
)

// WireRequest is the representation of a request accepted by a [Core].
//
// A WireRequest owns all of its memory: marshaling copies header names,
// values and fixed bodies out of the [*Request].
type WireRequest struct {
	// Method is the validated HTTP method.
	Method string

	// URL is the parsed absolute URL.
	URL *url.URL

	// Host is the Host header override or empty.
	Host string

	// Header contains the header fields in order. Names are lowercase.
	// Sensitive is set for credentials (e.g., authorization).
	Header []hpack.HeaderField

	// GetBody returns a fresh reader for the body, or nil for requests
	// without body. For non replayable bodies the second call fails.
	GetBody func() (io.ReadCloser, error)

	// ContentLength is the body length, -1 when unknown, 0 without body.
	ContentLength int64

	// Replayable indicates whether GetBody may be called more than once.
	Replayable bool

	// ConnectTimeout is the effective connect timeout.
	ConnectTimeout time.Duration

	// ReadTimeout is the effective read timeout.
	ReadTimeout time.Duration

	// Redirect is the effective redirect policy.
	Redirect RedirectPolicy

	// SpanID identifies the call in log events.
	SpanID string

	// closeBody closes a streaming body, at most once.
	closeBody func() error
}

// CloseBody closes the streaming body if any. A [Core] calls it when the
// request fails, since the body may never have been handed to a round
// trip. Calling it more than once is safe.
func (r *WireRequest) CloseBody() error {
	if r.closeBody == nil {
		return nil
	}
	return r.closeBody()
}

// httpHeader converts the header fields into an [http.Header].
func (r *WireRequest) httpHeader() http.Header {
	return fieldsToHeader(r.Header)
}

// WireResponse is the representation of a response produced by a [Core].
type WireResponse struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Proto is the protocol (e.g., "HTTP/1.1" or "HTTP/2.0").
	Proto string

	// Header contains the header fields in order. Names are lowercase.
	Header []hpack.HeaderField

	// ContentLength is the body length or -1 when unknown.
	ContentLength int64

	// URL is the final URL after redirects.
	URL *url.URL

	// Body is the body source. It is never nil for responses produced
	// by the [*Transport].
	Body ChunkSource
}

// ChunkSource produces the body of a [WireResponse] one chunk at a time.
type ChunkSource interface {
	// NextChunk returns the next chunk, or [io.EOF] at the end of the
	// body. The returned slice is owned by the source and is only valid
	// until the next call to NextChunk or Close.
	NextChunk() ([]byte, error)

	// Close releases the source. It is safe to call more than once.
	Close() error
}

// ReaderChunkSource returns a [ChunkSource] reading from r using a
// buffer of the given size, which is reused across chunks.
func ReaderChunkSource(r io.ReadCloser, size int) ChunkSource {
	return &readerChunkSource{r: r, buf: make([]byte, size)}
}

type readerChunkSource struct {
	r         io.ReadCloser
	buf       []byte
	err       error
	closeOnce sync.Once
	closeErr  error
}

// NextChunk implements [ChunkSource].
func (s *readerChunkSource) NextChunk() ([]byte, error) {
	for s.err == nil {
		count, err := s.r.Read(s.buf)
		s.err = err
		if count > 0 {
			return s.buf[:count], nil
		}
	}
	return nil, s.err
}

// Close implements [ChunkSource].
func (s *readerChunkSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.r.Close()
	})
	return s.closeErr
}

// headerToFields converts an [http.Header] into lowercase header fields
// following the sorted key order, preserving the order of the values.
func headerToFields(header http.Header) []hpack.HeaderField {
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	var fields []hpack.HeaderField
	for _, key := range keys {
		name := strings.ToLower(key)
		for _, value := range header[key] {
			fields = append(fields, hpack.HeaderField{
				Name:      name,
				Value:     value,
				Sensitive: isSensitiveHeader(name),
			})
		}
	}
	return fields
}

// fieldsToHeader converts header fields into an [http.Header].
func fieldsToHeader(fields []hpack.HeaderField) http.Header {
	header := make(http.Header, len(fields))
	for _, field := range fields {
		header.Add(field.Name, field.Value)
	}
	return header
}

// sensitiveHeaders are the headers carrying credentials. They are
// stripped when a redirect leaves the origin.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"proxy-authorization": true,
}

func isSensitiveHeader(name string) bool {
	return sensitiveHeaders[name]
}
