// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"io"
	"net/http"
	"sync"
	"time"
)

// Request is an HTTP request to execute with [*Engine.Execute].
//
// The engine does not mutate a Request. It snapshots the header and the
// fixed body while marshaling, so the caller may reuse the Request once
// Execute returns. A streaming body is consumed at most once.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// URL is the absolute target URL ("http" or "https").
	URL string

	// Header contains the request headers. Keys are case insensitive and
	// the order of the values of each key is preserved.
	Header http.Header

	// Body is the optional request body.
	Body *Body

	// ConnectTimeout overrides [Config.ConnectTimeout] when not zero.
	ConnectTimeout time.Duration

	// ReadTimeout overrides [Config.ReadTimeout] when not zero.
	ReadTimeout time.Duration

	// Redirect overrides [Config.Redirect] when not nil.
	Redirect *RedirectPolicy
}

// NewRequest returns a [*Request] with an empty header.
func NewRequest(method, URL string, body *Body) *Request {
	return &Request{
		Method: method,
		URL:    URL,
		Header: http.Header{},
		Body:   body,
	}
}

// Body is a request body: either a fixed byte sequence or a stream.
//
// Construct using [BytesBody] or [StreamBody].
type Body struct {
	data   []byte
	reader io.Reader
	length int64
	stream bool

	closeOnce sync.Once
	closeErr  error
}

// BytesBody returns a fixed-length body. The engine copies data while
// marshaling, so a fixed body can be replayed on retries and redirects.
func BytesBody(data []byte) *Body {
	return &Body{data: data, length: int64(len(data))}
}

// StreamBody returns a streaming body read from r.
//
// The length argument is the number of bytes r yields, or -1 when
// unknown. When known, producing more or fewer bytes fails the request
// with [ErrMarshaling]. A streaming body is not replayable, hence a
// request using it is never retried and never follows 307/308.
//
// When r implements [io.Closer], the engine closes it once done, also
// when the request fails before the body is sent.
func StreamBody(r io.Reader, length int64) *Body {
	return &Body{reader: r, length: length, stream: true}
}

// Len returns the body length or -1 when unknown.
func (b *Body) Len() int64 {
	return b.length
}

// IsStream returns whether the body is a stream.
func (b *Body) IsStream() bool {
	return b.stream
}

// closeStream closes the reader of a streaming body at most once. It is
// a no-op for fixed bodies and for readers not implementing [io.Closer].
func (b *Body) closeStream() error {
	if b == nil || !b.stream {
		return nil
	}
	b.closeOnce.Do(func() {
		if closer, ok := b.reader.(io.Closer); ok {
			b.closeErr = closer.Close()
		}
	})
	return b.closeErr
}

// streamReader reads a streaming body and closes it through closeStream.
type streamReader struct {
	body *Body
}

// Read implements [io.Reader].
func (s streamReader) Read(buf []byte) (int, error) {
	return s.body.reader.Read(buf)
}

// Close implements [io.Closer].
func (s streamReader) Close() error {
	return s.body.closeStream()
}
