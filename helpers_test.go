// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// capturedRecords is a concurrency-safe list of log records.
type capturedRecords struct {
	mu      sync.Mutex
	records []slog.Record
}

// messages returns the messages of the captured records in order.
func (cr *capturedRecords) messages() []string {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	var out []string
	for _, record := range cr.records {
		out = append(out, record.Message)
	}
	return out
}

// find returns the first record with the given message.
func (cr *capturedRecords) find(message string) (slog.Record, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for _, record := range cr.records {
		if record.Message == message {
			return record, true
		}
	}
	return slog.Record{}, false
}

// newCapturingLogger returns a logger that captures all log records. The
// logger is safe to use from multiple goroutines.
func newCapturingLogger() (*slog.Logger, *capturedRecords) {
	captured := &capturedRecords{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			captured.mu.Lock()
			captured.records = append(captured.records, record)
			captured.mu.Unlock()
			return nil
		},
	}
	return slog.New(&capturingHandler{FuncHandler: handler}), captured
}

// capturingHandler adds the attributes bound using With to each record.
type capturingHandler struct {
	*slogstub.FuncHandler
	attrs []slog.Attr
}

func (h *capturingHandler) Handle(ctx context.Context, record slog.Record) error {
	record = record.Clone()
	record.AddAttrs(h.attrs...)
	return h.FuncHandler.Handle(ctx, record)
}

func (h *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &capturingHandler{
		FuncHandler: h.FuncHandler,
		attrs:       append(slices.Clone(h.attrs), attrs...),
	}
}

func (h *capturingHandler) WithGroup(name string) slog.Handler {
	return h
}

// recordAttr returns the value of the attribute with the given key.
func recordAttr(record slog.Record, key string) (slog.Value, bool) {
	var (
		value slog.Value
		found bool
	)
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			value, found = attr.Value, true
			return false
		}
		return true
	})
	return value, found
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] whose ClientFunc
// returns the given conn.
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// mockCore is a scriptable [Core].
//
// SubmitFunc decides when and how to complete each handle. CancelFunc
// observes cancellations. The core counts every Release per handle.
type mockCore struct {
	SubmitFunc func(h Handle, req *WireRequest, done CompletionFunc)
	CancelFunc func(h Handle)

	next     atomic.Uint64
	submits  atomic.Int64
	cancels  atomic.Int64
	closes   atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64

	mu       sync.Mutex
	releases map[Handle]int
	dropped  []*Config
}

var (
	_ Core          = &mockCore{}
	_ configDropper = &mockCore{}
)

func (c *mockCore) Submit(req *WireRequest, cfg *Config, done CompletionFunc) (Handle, error) {
	h := Handle(c.next.Add(1))
	c.submits.Add(1)
	current := c.inflight.Add(1)
	for {
		peak := c.peak.Load()
		if current <= peak || c.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if c.SubmitFunc != nil {
		c.SubmitFunc(h, req, done)
	}
	return h, nil
}

func (c *mockCore) Cancel(h Handle) {
	c.cancels.Add(1)
	if c.CancelFunc != nil {
		c.CancelFunc(h)
	}
}

func (c *mockCore) Release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releases == nil {
		c.releases = map[Handle]int{}
	}
	c.releases[h]++
	c.inflight.Add(-1)
}

func (c *mockCore) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *mockCore) DropConfig(cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, cfg)
}

// releaseCounts returns a copy of the per-handle release counts.
func (c *mockCore) releaseCounts() map[Handle]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[Handle]int{}
	for h, count := range c.releases {
		out[h] = count
	}
	return out
}

// bytesChunkSource is a [ChunkSource] serving a fixed body.
type bytesChunkSource struct {
	data   []byte
	size   int
	closed atomic.Int64
}

func newBytesChunkSource(data []byte, size int) *bytesChunkSource {
	return &bytesChunkSource{data: data, size: size}
}

func (s *bytesChunkSource) NextChunk() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	count := min(s.size, len(s.data))
	chunk := s.data[:count]
	s.data = s.data[count:]
	return chunk, nil
}

func (s *bytesChunkSource) Close() error {
	s.closed.Add(1)
	return nil
}

// newTestResponse returns a [*WireResponse] serving body.
func newTestResponse(req *WireRequest, body []byte) (*WireResponse, *bytesChunkSource) {
	src := newBytesChunkSource(body, 4)
	return &WireResponse{
		StatusCode:    200,
		Proto:         "HTTP/1.1",
		ContentLength: int64(len(body)),
		URL:           req.URL,
		Body:          src,
	}, src
}

// newMockEngine returns an engine running on core.
func newMockEngine(core Core, configure func(cfg *Config)) (*Engine, error) {
	return New(func(cfg *Config) {
		cfg.Core = core
		if configure != nil {
			configure(cfg)
		}
	})
}
