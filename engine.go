// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine is the entry point for executing HTTP requests.
//
// An Engine validates and freezes its [*Config] at construction, runs
// requests on a [Core] (by default the process-wide shared [*Transport])
// and shuts down deterministically with [*Engine.Shutdown] or
// [*Engine.Close].
//
// Construct using [New] or [NewEngine].
type Engine struct {
	cfg    *Config
	core   Core
	shared bool
	bridge *bridge
	gate   *dispatchGate

	// ctx is cancelled with [ErrEngineClosed] when shutdown force-cancels.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	calls  sync.WaitGroup
	live   map[*nativeCall]func()

	closeOnce sync.Once
	closeErr  error
}

// New creates an [*Engine] from the defaults of [NewConfig] modified by
// the configure block, which may be nil.
func New(configure func(cfg *Config)) (*Engine, error) {
	cfg := NewConfig()
	if configure != nil {
		configure(cfg)
	}
	return NewEngine(cfg)
}

// NewEngine creates an [*Engine] using a deep clone of cfg.
//
// Returns an error wrapping [ErrInvalidConfig] when cfg is not valid.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()

	core, shared := cfg.Core, false
	if core == nil {
		core, shared = acquireSharedCore(), true
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &Engine{
		cfg:    cfg,
		core:   core,
		shared: shared,
		bridge: newBridge(core, cfg),
		gate:   newDispatchGate(cfg.MaxConnsPerHost),
		ctx:    ctx,
		cancel: cancel,
		live:   map[*nativeCall]func(){},
	}
	return e, nil
}

// Execute executes the request and returns the response.
//
// The call blocks until the response headers arrive or the request
// fails. Every error is an [*Error]. Cancelling ctx aborts the request
// with an [ErrCancelled] error, and also aborts reading the body of a
// response already returned.
//
// The caller MUST close the response body.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, newError(ErrMarshaling, "", "execute", "", errors.New("nil request"))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		req.Body.closeStream()
		return nil, newError(ErrEngineClosed, "", "execute", req.URL, nil)
	}
	e.calls.Add(1)
	e.mu.Unlock()
	defer e.calls.Done()

	spanID := NewSpanID()
	logger := withSpan(e.cfg.Logger, spanID)
	t0 := e.cfg.TimeNow()
	deadline, _ := ctx.Deadline()
	e.logExecuteStart(logger, req, t0, deadline)

	resp, err := e.execute(ctx, req, spanID)

	e.logExecuteDone(logger, req, t0, deadline, resp, err)
	e.cfg.Metrics.observeRequest(req.Method, e.cfg.TimeNow().Sub(t0), err)
	return resp, err
}

func (e *Engine) execute(ctx context.Context, req *Request, spanID string) (*Response, error) {
	wreq, err := marshalRequest(req, e.cfg, spanID)
	if err != nil {
		return nil, err
	}
	URL := wreq.URL.String()

	// the call ends when either the caller or the engine gives up
	callCtx, cancelCall := context.WithCancelCause(ctx)
	defer cancelCall(nil)
	stopMerge := context.AfterFunc(e.ctx, func() {
		cancelCall(context.Cause(e.ctx))
	})
	defer stopMerge()

	releaseSlot, err := e.gate.acquire(callCtx, hostKey(wreq.URL))
	if err != nil {
		wreq.CloseBody()
		return nil, e.cancelKind(URL)(callCtx)
	}

	pc, err := e.bridge.dispatch(wreq, e.cfg)
	if err != nil {
		wreq.CloseBody()
		releaseSlot()
		return nil, withURL(asEngineError(err, "", "dispatch", URL), URL)
	}

	e.cfg.Metrics.addInFlight(1)
	call := newNativeCall(e.core, pc.h)
	call.onRelease(releaseSlot)
	call.onRelease(func() {
		e.cfg.Metrics.addInFlight(-1)
	})
	e.track(call, func() { call.release() })

	outcome := pc.wait(callCtx, e.cancelKind(URL))
	if outcome.Err != nil {
		call.release()
		return nil, withURL(asEngineError(outcome.Err, "", "execute", URL), URL)
	}

	// the caller context keeps governing the body transfer
	stopWatch := context.AfterFunc(ctx, func() {
		e.core.Cancel(call.h)
	})
	call.onRelease(func() {
		stopWatch()
	})
	resp := unmarshalResponse(outcome.Response, req, func() {
		call.release()
	})
	e.track(call, func() { resp.Body.Close() })
	return resp, nil
}

// cancelKind returns the function mapping a done call context to the
// error returned to the caller.
func (e *Engine) cancelKind(URL string) func(context.Context) error {
	return func(ctx context.Context) error {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrEngineClosed) {
			return newError(ErrEngineClosed, "", "execute", URL, nil)
		}
		return newError(ErrCancelled, "", "execute", URL, cause)
	}
}

// track registers the function closing a live call at shutdown.
func (e *Engine) track(call *nativeCall, closer func()) {
	e.mu.Lock()
	_, known := e.live[call]
	if e.live != nil {
		e.live[call] = closer
	}
	e.mu.Unlock()
	if !known {
		call.onRelease(func() {
			e.untrack(call)
		})
	}
}

func (e *Engine) untrack(call *nativeCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, call)
}

// liveCalls returns the number of calls whose handle is not yet released.
func (e *Engine) liveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Shutdown refuses new calls and waits for the in-flight [*Engine.Execute]
// calls to return. When ctx is done first, it force-cancels them, which
// then fail with [ErrEngineClosed]. It then closes the outstanding
// response bodies and releases the core exactly once.
//
// Subsequent calls return the result of the first one.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.cfg.Logger.Warn(
			"shutdownForceCancel",
			slog.Any("err", context.Cause(ctx)),
			slog.Time("t", e.cfg.TimeNow()),
		)
		e.cancel(ErrEngineClosed)
		<-done
	}

	e.closeOnce.Do(func() {
		e.closeErr = e.teardown()
	})
	return e.closeErr
}

// Close calls [*Engine.Shutdown] bounded by [Config.ShutdownTimeout].
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(ctx)
}

func (e *Engine) teardown() error {
	t0 := e.cfg.TimeNow()
	e.cancel(ErrEngineClosed)

	e.mu.Lock()
	live := e.live
	e.live = nil
	e.mu.Unlock()
	for _, closer := range live {
		closer()
	}

	if dropper, ok := e.core.(configDropper); ok {
		dropper.DropConfig(e.cfg)
	}
	var err error
	if e.shared {
		err = releaseSharedCore()
	} else {
		err = e.core.Close()
	}

	e.cfg.Logger.Info(
		"engineClosed",
		slog.Any("err", err),
		slog.Int("liveCalls", len(live)),
		slog.Time("t0", t0),
		slog.Time("t", e.cfg.TimeNow()),
	)
	return err
}

func (e *Engine) logExecuteStart(logger SLogger, req *Request, t0, deadline time.Time) {
	logger.Info(
		"executeStart",
		slog.Time("deadline", deadline),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL),
		slog.Time("t", t0),
	)
}

func (e *Engine) logExecuteDone(logger SLogger, req *Request, t0, deadline time.Time, resp *Response, err error) {
	var statusCode int
	if resp != nil {
		statusCode = resp.StatusCode
	}
	logger.Info(
		"executeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", e.cfg.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.Method),
		slog.Int("httpResponseStatusCode", statusCode),
		slog.String("httpUrl", req.URL),
		slog.Time("t0", t0),
		slog.Time("t", e.cfg.TimeNow()),
	)
}
