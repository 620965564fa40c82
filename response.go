// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
)

// Response is the response returned by [*Engine.Execute].
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Proto is the protocol (e.g., "HTTP/1.1").
	Proto string

	// Header contains the response headers.
	Header http.Header

	// ContentLength is the body length or -1 when unknown.
	ContentLength int64

	// URL is the final URL after redirects.
	URL string

	// Body is the lazily consumed response body. The caller MUST close
	// it, otherwise the connection and the dispatch slot leak.
	Body *ResponseBody

	// Request is the originating request.
	Request *Request
}

// ResponseBody is a lazily consumed response body.
//
// Data flows from the connection only as fast as the caller reads it.
// Closing the body releases the underlying handle exactly once.
type ResponseBody struct {
	src     ChunkSource
	release func()

	// mu serializes reads. Close does not take it, so that closing
	// interrupts a blocked read.
	mu      sync.Mutex
	pending []byte
	err     error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadCloser = &ResponseBody{}

// errBodyClosed is returned when reading from a closed body.
var errBodyClosed = errors.New("keqwest: read on closed response body")

func newResponseBody(src ChunkSource, release func()) *ResponseBody {
	return &ResponseBody{src: src, release: release}
}

// Read implements [io.Reader].
//
// Errors other than [io.EOF] are [*Error] values, e.g. a read timeout
// is an [ErrTimeout] with phase [PhaseTransfer].
func (b *ResponseBody) Read(buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		b.pending, b.err = b.nextChunk()
	}
	count := copy(buf, b.pending)
	b.pending = b.pending[count:]
	return count, nil
}

// nextChunk must be called with mu held.
func (b *ResponseBody) nextChunk() ([]byte, error) {
	if b.src == nil {
		return nil, io.EOF
	}
	chunk, err := b.src.NextChunk()
	switch {
	case err == nil:
		return chunk, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case b.closed.Load():
		return nil, errBodyClosed
	default:
		return nil, asEngineError(err, PhaseTransfer, "readBody", "")
	}
}

// Chunks returns a lazy sequence of body chunks.
//
// Each chunk is a copy owned by the caller. The sequence ends at the end
// of the body, or after yielding a non nil error. It does not close
// the body.
func (b *ResponseBody) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			chunk, err := b.readChunk()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// readChunk returns a copy of the next chunk.
func (b *ResponseBody) readChunk() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) == 0 {
		if b.err != nil {
			return nil, b.err
		}
		b.pending, b.err = b.nextChunk()
	}
	chunk := bytes.Clone(b.pending)
	b.pending = nil
	return chunk, nil
}

// Close closes the body and releases the handle. It is idempotent.
func (b *ResponseBody) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.src != nil {
			b.closeErr = b.src.Close()
		}
		if b.release != nil {
			b.release()
		}
	})
	return b.closeErr
}
