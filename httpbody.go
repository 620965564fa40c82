// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// httpBodyWrap wraps an HTTP body so that we emit structured log events
// lazily (httpBodyStreamStart on the first Read, httpBodyStreamDone on
// Close) and call onEOF, if not nil, the first time Read returns [io.EOF].
func httpBodyWrap(
	body io.ReadCloser,
	errClass ErrClassifier,
	laddr string,
	logger SLogger,
	protocol string,
	raddr string,
	timeNow func() time.Time,
	onEOF func(),
) *httpBodyWrapper {
	return &httpBodyWrapper{
		body:     body,
		errClass: errClass,
		laddr:    laddr,
		logger:   logger,
		onEOF:    onEOF,
		protocol: protocol,
		raddr:    raddr,
		timeNow:  timeNow,
	}
}

type httpBodyWrapper struct {
	body      io.ReadCloser
	closeOnce sync.Once
	count     atomic.Int64
	didRead   atomic.Bool
	eof       atomic.Bool
	errClass  ErrClassifier
	laddr     string
	logger    SLogger
	onEOF     func()
	protocol  string
	raddr     string
	readOnce  sync.Once
	t0        time.Time
	timeNow   func() time.Time
}

var _ io.ReadCloser = &httpBodyWrapper{}

// sawEOF returns whether the body was read to completion.
func (b *httpBodyWrapper) sawEOF() bool {
	return b.eof.Load()
}

// Close implements [io.ReadCloser].
func (b *httpBodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		if b.didRead.Load() { // acquire: t0 is visible if this returns true
			b.logger.Info(
				"httpBodyStreamDone",
				slog.Bool("httpBodyEOF", b.eof.Load()),
				slog.Int64("ioBytesCount", b.count.Load()),
				slog.Any("err", err),
				slog.String("errClass", b.errClass.Classify(err)),
				slog.String("localAddr", b.laddr),
				slog.String("protocol", b.protocol),
				slog.String("remoteAddr", b.raddr),
				slog.Time("t0", b.t0),
				slog.Time("t", b.timeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *httpBodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()    // write t0 BEFORE the atomic store (release)
		b.didRead.Store(true) // release: makes t0 visible to Close
		b.logger.Info(
			"httpBodyStreamStart",
			slog.String("localAddr", b.laddr),
			slog.String("protocol", b.protocol),
			slog.String("remoteAddr", b.raddr),
			slog.Time("t", b.t0),
		)
	})
	count, err := b.body.Read(buffer)
	b.count.Add(int64(count))
	if errors.Is(err, io.EOF) && b.eof.CompareAndSwap(false, true) && b.onEOF != nil {
		b.onEOF()
	}
	return count, err
}
