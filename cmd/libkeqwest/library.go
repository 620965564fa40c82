// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kagg886/keqwest"
)

// code is a return code of the C API. Keep in sync with include/keqwest.h.
type code int32

const (
	codeOK              = code(0)
	codeResolution      = code(-1)
	codeConnection      = code(-2)
	codeTimeout         = code(-3)
	codeRedirect        = code(-4)
	codeMarshaling      = code(-5)
	codeCancelled       = code(-6)
	codeEngineClosed    = code(-7)
	codeInvalidArgument = code(-8)
	codeInvalidHandle   = code(-9)
	codePending         = code(-10)
	codeInternal        = code(-11)
)

// codeOf maps an engine error to its return code.
func codeOf(err error) code {
	if err == nil {
		return codeOK
	}
	switch keqwest.KindOf(err) {
	case keqwest.ErrResolution:
		return codeResolution
	case keqwest.ErrConnection:
		return codeConnection
	case keqwest.ErrTimeout:
		return codeTimeout
	case keqwest.ErrRedirect:
		return codeRedirect
	case keqwest.ErrMarshaling:
		return codeMarshaling
	case keqwest.ErrCancelled:
		return codeCancelled
	case keqwest.ErrEngineClosed:
		return codeEngineClosed
	}
	if errors.Is(err, keqwest.ErrInvalidConfig) {
		return codeInvalidArgument
	}
	return codeInternal
}

// registry maps opaque handles to values. Handles are never reused.
type registry[T any] struct {
	mu    sync.Mutex
	next  uint64
	items map[uint64]T
}

func (r *registry[T]) add(value T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[uint64]T)
	}
	r.next++
	r.items[r.next] = value
	return r.next
}

func (r *registry[T]) get(id uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, found := r.items[id]
	return value, found
}

func (r *registry[T]) remove(id uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, found := r.items[id]
	delete(r.items, id)
	return value, found
}

// requestSpec is a Go-owned copy of a keqwest_request_t.
type requestSpec struct {
	Method         string
	URL            string
	Header         [][2]string
	Body           []byte
	HasBody        bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRedirects   int
}

func (s *requestSpec) request() *keqwest.Request {
	var body *keqwest.Body
	if s.HasBody {
		body = keqwest.BytesBody(s.Body)
	}
	req := keqwest.NewRequest(s.Method, s.URL, body)
	for _, field := range s.Header {
		req.Header.Add(field[0], field[1])
	}
	req.ConnectTimeout = s.ConnectTimeout
	req.ReadTimeout = s.ReadTimeout
	if s.MaxRedirects >= 0 {
		req.Redirect = &keqwest.RedirectPolicy{Follow: s.MaxRedirects > 0, MaxHops: s.MaxRedirects}
	}
	return req
}

// call is a submitted request.
type call struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	completed bool
	freed     bool
	resp      *keqwest.Response
	err       error
}

// result returns the outcome or false while the call is pending.
func (c *call) result() (*keqwest.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.completed, c.err
}

// library holds the state behind the C API.
type library struct {
	engines registry[*keqwest.Engine]
	calls   registry[*call]
	logger  keqwest.SLogger
}

// newLibrary returns a library whose engines log using logger.
func newLibrary(logger keqwest.SLogger) *library {
	return &library{logger: logger}
}

// loggerFromEnv returns the logger selected by the KEQWEST_LOG variable.
func loggerFromEnv() keqwest.SLogger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("KEQWEST_LOG")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		return keqwest.DefaultSLogger()
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newEngine creates an engine from the TOML document, if any.
func (l *library) newEngine(config []byte) (uint64, code) {
	cfg := keqwest.NewConfig()
	if config != nil {
		parsed, err := keqwest.ParseConfig(config)
		if err != nil {
			return 0, codeInvalidArgument
		}
		cfg = parsed
	}
	cfg.Logger = l.logger
	engine, err := keqwest.NewEngine(cfg)
	if err != nil {
		return 0, codeOf(err)
	}
	return l.engines.add(engine), codeOK
}

func (l *library) closeEngine(id uint64) code {
	engine, found := l.engines.remove(id)
	if !found {
		return codeInvalidHandle
	}
	if err := engine.Close(); err != nil {
		return codeInternal
	}
	return codeOK
}

// submit registers a call and returns its handle along with the function
// that starts it. The notify function runs once unless the call is freed
// before completion.
func (l *library) submit(engineID uint64, spec *requestSpec, notify func(id uint64, c code)) (uint64, func(), code) {
	engine, found := l.engines.get(engineID)
	if !found {
		return 0, nil, codeInvalidHandle
	}
	req := spec.request()
	ctx, cancel := context.WithCancel(context.Background())
	c := &call{cancel: cancel}
	id := l.calls.add(c)

	start := func() {
		go func() {
			resp, err := engine.Execute(ctx, req)
			c.mu.Lock()
			if c.freed {
				c.mu.Unlock()
				if resp != nil {
					resp.Body.Close()
				}
				return
			}
			c.resp, c.err, c.completed = resp, err, true
			c.mu.Unlock()
			if notify != nil {
				notify(id, codeOf(err))
			}
		}()
	}
	return id, start, codeOK
}

func (l *library) cancel(id uint64) code {
	c, found := l.calls.get(id)
	if !found {
		return codeInvalidHandle
	}
	c.cancel()
	return codeOK
}

// response returns the response of a completed successful call.
func (l *library) response(id uint64) (*keqwest.Response, code) {
	c, found := l.calls.get(id)
	if !found {
		return nil, codeInvalidHandle
	}
	resp, completed, err := c.result()
	if !completed {
		return nil, codePending
	}
	if err != nil {
		return nil, codeOf(err)
	}
	return resp, codeOK
}

func (l *library) status(id uint64) (int, code) {
	resp, rc := l.response(id)
	if rc != codeOK {
		return 0, rc
	}
	return resp.StatusCode, codeOK
}

// headers serializes the response headers as "Name: value\n" lines
// sorted by name.
func (l *library) headers(id uint64) ([]byte, code) {
	resp, rc := l.response(id)
	if rc != codeOK {
		return nil, rc
	}
	var sb strings.Builder
	for _, name := range slices.Sorted(maps.Keys(resp.Header)) {
		for _, value := range resp.Header[name] {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
	}
	return []byte(sb.String()), codeOK
}

// read reads the response body into buf, returning zero at EOF.
func (l *library) read(id uint64, buf []byte) (int, code) {
	resp, rc := l.response(id)
	if rc != codeOK {
		return 0, rc
	}
	if len(buf) <= 0 {
		return 0, codeInvalidArgument
	}
	for {
		count, err := resp.Body.Read(buf)
		switch {
		case count > 0:
			return count, codeOK
		case errors.Is(err, io.EOF):
			return 0, codeOK
		case err != nil:
			return 0, codeOf(err)
		}
	}
}

func (l *library) errorMessage(id uint64) (string, code) {
	c, found := l.calls.get(id)
	if !found {
		return "", codeInvalidHandle
	}
	_, completed, err := c.result()
	if !completed {
		return "", codePending
	}
	if err == nil {
		return "", codeOK
	}
	return err.Error(), codeOK
}

func (l *library) free(id uint64) code {
	c, found := l.calls.remove(id)
	if !found {
		return codeInvalidHandle
	}
	c.mu.Lock()
	c.freed = true
	resp := c.resp
	c.mu.Unlock()
	c.cancel()
	if resp != nil {
		resp.Body.Close()
	}
	return codeOK
}
