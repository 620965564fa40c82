// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// chunkSize is the buffer size of response body chunks.
const chunkSize = 32 << 10

// Transport is the [Core] executing requests over pooled connections.
//
// Each submitted request runs on its own goroutine under a per-handle
// context. Connections are pooled per [*Config], so engines sharing a
// Transport never share connections. The request body is closed once
// the request completes, whether or not it was sent.
//
// Construct using [NewTransport].
type Transport struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	next   atomic.Uint64
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	calls  map[Handle]*coreCall
	pools  map[*Config]*poolSet
}

var (
	_ Core          = &Transport{}
	_ configDropper = &Transport{}
)

// coreCall is the core side of a submitted request.
type coreCall struct {
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	body     ChunkSource
	released bool
}

// NewTransport returns a new [*Transport].
func NewTransport() *Transport {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Transport{
		ctx:    ctx,
		cancel: cancel,
		calls:  map[Handle]*coreCall{},
		pools:  map[*Config]*poolSet{},
	}
}

// Submit implements [Core].
func (t *Transport) Submit(req *WireRequest, cfg *Config, done CompletionFunc) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, newError(ErrEngineClosed, "", "submit", req.URL.String(), nil)
	}
	ps, err := t.poolFor(cfg)
	if err != nil {
		t.mu.Unlock()
		return 0, newError(ErrConnection, PhaseConnect, "submit", req.URL.String(), err)
	}
	h := Handle(t.next.Add(1))
	ctx, cancel := context.WithCancelCause(t.ctx)
	call := &coreCall{cancel: cancel}
	t.calls[h] = call
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		outcome := t.execute(ctx, ps, req)
		req.CloseBody()
		t.deliver(ps.logger, req.SpanID, h, call, outcome, done)
	}()
	return h, nil
}

// poolFor must be called with mu held.
func (t *Transport) poolFor(cfg *Config) (*poolSet, error) {
	if ps := t.pools[cfg]; ps != nil {
		return ps, nil
	}
	ps, err := newPoolSet(cfg)
	if err != nil {
		return nil, err
	}
	t.pools[cfg] = ps
	return ps, nil
}

// deliver hands the outcome to done exactly once.
func (t *Transport) deliver(logger SLogger, spanID string, h Handle, call *coreCall,
	outcome Outcome, done CompletionFunc) {
	if outcome.Response != nil {
		call.mu.Lock()
		released := call.released
		if !released {
			call.body = outcome.Response.Body
		}
		call.mu.Unlock()
		if released {
			outcome.Response.Body.Close()
		}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(
				"completionPanic",
				slog.Any("panic", r),
				slog.String("spanID", spanID),
				slog.Time("t", time.Now()),
			)
		}
	}()
	done(h, outcome)
}

// Cancel implements [Core].
func (t *Transport) Cancel(h Handle) {
	t.mu.Lock()
	call := t.calls[h]
	t.mu.Unlock()
	if call != nil {
		call.cancel(errCancelCause)
	}
}

// Release implements [Core].
func (t *Transport) Release(h Handle) {
	t.mu.Lock()
	call := t.calls[h]
	delete(t.calls, h)
	t.mu.Unlock()
	if call == nil {
		return
	}
	call.release()
}

func (call *coreCall) release() {
	call.mu.Lock()
	call.released = true
	body := call.body
	call.body = nil
	call.mu.Unlock()
	if body != nil {
		body.Close()
	}
	call.cancel(errCancelCause)
}

// DropConfig closes the connections pooled for cfg.
func (t *Transport) DropConfig(cfg *Config) {
	t.mu.Lock()
	ps := t.pools[cfg]
	delete(t.pools, cfg)
	t.mu.Unlock()
	if ps != nil {
		ps.closeAll()
	}
}

// Close implements [Core].
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel(ErrEngineClosed)
	t.wg.Wait()

	t.mu.Lock()
	calls := t.calls
	pools := t.pools
	t.calls = map[Handle]*coreCall{}
	t.pools = map[*Config]*poolSet{}
	t.mu.Unlock()

	for _, call := range calls {
		call.release()
	}
	for _, ps := range pools {
		ps.closeAll()
	}
	return nil
}

// inflight returns the number of handles not yet released.
func (t *Transport) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// execute runs the request following redirects.
func (t *Transport) execute(ctx context.Context, ps *poolSet, req *WireRequest) Outcome {
	logger := withSpan(ps.logger, req.SpanID)
	chain := newRedirectChain(req)
	for {
		resp, err := ps.roundTrip(ctx, req, logger)
		if err != nil {
			return Outcome{Err: err}
		}
		next, err := nextRedirect(req, resp)
		if err == nil && next != nil {
			err = chain.add(next)
		}
		if err != nil {
			resp.Body.Close()
			return Outcome{Err: err}
		}
		if next == nil {
			return Outcome{Response: resp}
		}
		logger.Info(
			"redirect",
			slog.Int("httpResponseStatusCode", resp.StatusCode),
			slog.String("httpMethod", next.Method),
			slog.String("httpUrl", next.URL.String()),
			slog.Int("redirectHops", chain.hops),
			slog.Time("t", ps.cfg.TimeNow()),
		)
		ps.cfg.Metrics.incRedirects()
		drainAndClose(resp.Body)
		req = next
	}
}

// idempotentMethods may be retried on a stale connection.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// roundTrip performs a single hop, retrying once on a fresh connection
// when a reused connection fails before producing a response.
func (ps *poolSet) roundTrip(ctx context.Context, req *WireRequest, logger SLogger) (*WireResponse, error) {
	resp, reused, err := ps.roundTripOnce(ctx, req, false, logger)
	if err == nil || !reused || !ps.shouldRetry(ctx, req, err) {
		return resp, err
	}
	logger.Info(
		"retry",
		slog.Any("err", err),
		slog.String("errClass", ps.cfg.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Time("t", ps.cfg.TimeNow()),
	)
	ps.cfg.Metrics.incRetries()
	resp, _, err = ps.roundTripOnce(ctx, req, true, logger)
	return resp, err
}

func (ps *poolSet) shouldRetry(ctx context.Context, req *WireRequest, err error) bool {
	if !ps.cfg.RetryIdempotent || !idempotentMethods[req.Method] || !req.Replayable || ctx.Err() != nil {
		return false
	}
	kind := KindOf(err)
	return kind != ErrTimeout && kind != ErrMarshaling
}

// bodyFailure is implemented by request bodies recording length failures.
type bodyFailure interface {
	failure() error
}

// roundTripOnce acquires a lease and performs the round trip.
func (ps *poolSet) roundTripOnce(ctx context.Context, req *WireRequest,
	fresh bool, logger SLogger) (*WireResponse, bool, error) {
	URL := req.URL.String()
	ls, err := ps.acquire(ctx, req.URL, req.ConnectTimeout, req.ReadTimeout, fresh, logger)
	if err != nil {
		return nil, false, withURL(asEngineError(err, PhaseConnect, "connect", URL), URL)
	}

	hreq, err := newHTTPRequest(ctx, req)
	if err != nil {
		ls.finish(false)
		return nil, ls.reused, err
	}
	body, _ := hreq.Body.(bodyFailure)

	resp, err := ls.pc.hc.RoundTrip(hreq)
	if err != nil {
		ls.finish(false)
		return nil, ls.reused, mapTransferError(ctx, ls, body, err, "roundTrip", URL)
	}

	lb := &leaseBody{
		body:  resp.Body.(*httpBodyWrapper),
		ctx:   ctx,
		empty: resp.ContentLength == 0,
		ls:    ls,
		req:   body,
		URL:   URL,
	}
	wresp := &WireResponse{
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		Header:        headerToFields(resp.Header),
		ContentLength: resp.ContentLength,
		URL:           req.URL,
		Body:          ReaderChunkSource(lb, chunkSize),
	}
	return wresp, ls.reused, nil
}

// newHTTPRequest converts the request for a single round trip.
func newHTTPRequest(ctx context.Context, req *WireRequest) (*http.Request, error) {
	URL := req.URL.String()
	var body io.ReadCloser
	if req.GetBody != nil {
		var err error
		body, err = req.GetBody()
		if err != nil {
			return nil, newError(ErrMarshaling, "", "sendBody", URL, err)
		}
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, URL, body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, newError(ErrMarshaling, "", "newRequest", URL, err)
	}
	hreq.Header = req.httpHeader()
	hreq.Host = req.Host
	if body != nil {
		hreq.ContentLength = req.ContentLength
	}
	return hreq, nil
}

// mapTransferError maps an error occurring after the lease was acquired.
func mapTransferError(ctx context.Context, ls *lease, body bodyFailure, err error, op, URL string) error {
	if body != nil {
		if failure := body.failure(); failure != nil {
			return newError(ErrMarshaling, "", "sendBody", URL, failure)
		}
	}
	if ctx.Err() != nil {
		return withURL(asEngineError(context.Cause(ctx), PhaseTransfer, op, URL), URL)
	}
	if ls.pc.raw.readTimedOut() {
		return newError(ErrTimeout, PhaseTransfer, op, URL, err)
	}
	return withURL(asEngineError(err, PhaseTransfer, op, URL), URL)
}

// leaseBody reads the response body and ends the lease at EOF or Close.
type leaseBody struct {
	body  *httpBodyWrapper
	ctx   context.Context
	empty bool
	ls    *lease
	req   bodyFailure
	URL   string
}

var _ io.ReadCloser = &leaseBody{}

// Read implements [io.Reader].
func (lb *leaseBody) Read(buf []byte) (int, error) {
	count, err := lb.body.Read(buf)
	switch {
	case errors.Is(err, io.EOF):
		lb.finish()
		return count, io.EOF
	case err != nil:
		return count, mapTransferError(lb.ctx, lb.ls, lb.req, err, "readBody", lb.URL)
	default:
		return count, nil
	}
}

// Close implements [io.Closer].
func (lb *leaseBody) Close() error {
	if !lb.body.sawEOF() && lb.empty {
		var buf [1]byte
		lb.body.Read(buf[:])
	}
	err := lb.body.Close()
	lb.finish()
	return err
}

func (lb *leaseBody) finish() {
	lb.ls.finish(lb.body.sawEOF() || lb.ls.pc.hc.h2 != nil)
}

// withURL sets the URL of an [*Error] without one.
func withURL(err error, URL string) error {
	var kerr *Error
	if errors.As(err, &kerr) && kerr.URL == "" {
		dup := *kerr
		dup.URL = URL
		return &dup
	}
	return err
}

// withSpan returns a logger attaching spanID to every event when the
// logger supports it.
func withSpan(logger SLogger, spanID string) SLogger {
	if sl, ok := logger.(*slog.Logger); ok && spanID != "" {
		return sl.With(slog.String("spanID", spanID))
	}
	return logger
}
