// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// Marshaling failures. They are wrapped in an [*Error] of kind [ErrMarshaling].
var (
	errInvalidMethod      = errors.New("invalid method")
	errUnsupportedScheme  = errors.New("unsupported URL scheme")
	errMissingHost        = errors.New("missing URL host")
	errInvalidHeaderName  = errors.New("invalid header name")
	errInvalidHeaderValue = errors.New("invalid header value")
	errHeaderTooLarge     = errors.New("header list too large")
	errBodyLength         = errors.New("body length mismatch")
	errBodyConsumed       = errors.New("streaming body already consumed")
)

// marshalRequest validates the request and converts it to a [*WireRequest].
//
// Every error is an [*Error] of kind [ErrMarshaling] and is returned
// before any [Core] resource exists.
func marshalRequest(req *Request, cfg *Config, spanID string) (*WireRequest, error) {
	fail := func(err error) (*WireRequest, error) {
		req.Body.closeStream()
		return nil, newError(ErrMarshaling, "", "marshal", req.URL, err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !validMethod(method) {
		return fail(fmt.Errorf("%w: %q", errInvalidMethod, method))
	}

	URL, err := url.Parse(req.URL)
	if err != nil {
		return fail(err)
	}
	switch URL.Scheme {
	case "http", "https":
	default:
		return fail(fmt.Errorf("%w: %q", errUnsupportedScheme, URL.Scheme))
	}
	if URL.Hostname() == "" {
		return fail(errMissingHost)
	}

	wreq := &WireRequest{
		Method:         method,
		URL:            URL,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		Redirect:       cfg.Redirect,
		SpanID:         spanID,
	}
	if req.ConnectTimeout > 0 {
		wreq.ConnectTimeout = req.ConnectTimeout
	}
	if req.ReadTimeout > 0 {
		wreq.ReadTimeout = req.ReadTimeout
	}
	if req.Redirect != nil {
		wreq.Redirect = *req.Redirect
	}

	// Content-Length and Host travel out of band
	declaredLength := int64(-1)
	var fields []hpack.HeaderField
	var size uint32
	for _, field := range headerToFields(req.Header) {
		if !httpguts.ValidHeaderFieldName(field.Name) {
			return fail(fmt.Errorf("%w: %q", errInvalidHeaderName, field.Name))
		}
		if !httpguts.ValidHeaderFieldValue(field.Value) {
			return fail(fmt.Errorf("%w for %q", errInvalidHeaderValue, field.Name))
		}
		size += field.Size()
		switch field.Name {
		case "content-length":
			value, err := strconv.ParseInt(strings.TrimSpace(field.Value), 10, 64)
			if err != nil || value < 0 || (declaredLength >= 0 && value != declaredLength) {
				return fail(fmt.Errorf("%w: %q", errInvalidHeaderValue, field.Value))
			}
			declaredLength = value
			continue
		case "host":
			wreq.Host = field.Value
			continue
		}
		fields = append(fields, field)
	}
	if int64(size) > int64(cfg.MaxHeaderBytes) {
		return fail(fmt.Errorf("%w: %d > %d bytes", errHeaderTooLarge, size, cfg.MaxHeaderBytes))
	}
	wreq.Header = fields

	if err := marshalBody(wreq, req.Body, declaredLength); err != nil {
		return fail(err)
	}
	return wreq, nil
}

// validMethod returns whether method is an HTTP token.
func validMethod(method string) bool {
	return len(method) > 0 && strings.IndexFunc(method, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) < 0
}

func marshalBody(wreq *WireRequest, body *Body, declaredLength int64) error {
	switch {
	case body == nil:
		if declaredLength > 0 {
			return fmt.Errorf("%w: declared %d bytes without body", errBodyLength, declaredLength)
		}
		wreq.Replayable = true
		return nil

	case !body.stream:
		data := bytes.Clone(body.data)
		if declaredLength >= 0 && declaredLength != int64(len(data)) {
			return fmt.Errorf("%w: declared %d bytes, have %d", errBodyLength, declaredLength, len(data))
		}
		wreq.ContentLength = int64(len(data))
		wreq.Replayable = true
		if len(data) > 0 {
			wreq.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			}
		}
		return nil

	default:
		length := body.length
		if length < -1 {
			return fmt.Errorf("%w: negative stream length %d", errBodyLength, length)
		}
		if declaredLength >= 0 {
			if length >= 0 && length != declaredLength {
				return fmt.Errorf("%w: declared %d bytes, stream has %d", errBodyLength, declaredLength, length)
			}
			length = declaredLength
		}
		wreq.ContentLength = length
		wreq.GetBody = streamGetBody(streamReader{body}, length)
		wreq.closeBody = body.closeStream
		return nil
	}
}

// streamGetBody returns a GetBody function that hands out the stream
// once, enforcing the expected length when known.
func streamGetBody(r io.Reader, length int64) func() (io.ReadCloser, error) {
	var once sync.Once
	return func() (io.ReadCloser, error) {
		var (
			out io.ReadCloser
			err = errBodyConsumed
		)
		once.Do(func() {
			out, err = newLengthCheckedBody(r, length), nil
		})
		return out, err
	}
}

// lengthCheckedBody fails reads when the stream produces more or fewer
// bytes than expected, and remembers the failure so the transport can
// report it as a marshaling error.
type lengthCheckedBody struct {
	r        io.Reader
	expected int64
	count    int64

	mu  sync.Mutex
	err error
}

func newLengthCheckedBody(r io.Reader, expected int64) *lengthCheckedBody {
	return &lengthCheckedBody{r: r, expected: expected}
}

// Read implements [io.Reader].
func (b *lengthCheckedBody) Read(buf []byte) (int, error) {
	if b.expected >= 0 && int64(len(buf)) > b.expected-b.count+1 {
		// read one extra byte at most to detect overlong streams
		buf = buf[:b.expected-b.count+1]
	}
	count, err := b.r.Read(buf)
	b.count += int64(count)
	switch {
	case b.expected >= 0 && b.count > b.expected:
		return count, b.fail(fmt.Errorf("%w: stream longer than %d bytes", errBodyLength, b.expected))
	case b.expected >= 0 && errors.Is(err, io.EOF) && b.count < b.expected:
		return count, b.fail(fmt.Errorf("%w: stream ended after %d of %d bytes", errBodyLength, b.count, b.expected))
	}
	return count, err
}

func (b *lengthCheckedBody) fail(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	return err
}

// failure returns the recorded length failure, if any.
func (b *lengthCheckedBody) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close implements [io.Closer] and closes the stream when possible.
func (b *lengthCheckedBody) Close() error {
	if closer, ok := b.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// unmarshalResponse converts a [*WireResponse] into a [*Response].
func unmarshalResponse(wresp *WireResponse, req *Request, release func()) *Response {
	resp := &Response{
		StatusCode:    wresp.StatusCode,
		Proto:         wresp.Proto,
		Header:        fieldsToHeader(wresp.Header),
		ContentLength: wresp.ContentLength,
		Request:       req,
	}
	if wresp.URL != nil {
		resp.URL = wresp.URL.String()
	}
	resp.Body = newResponseBody(wresp.Body, release)
	return resp
}

// asEngineError converts any error coming from a [Core] into an [*Error].
func asEngineError(err error, phase Phase, op, URL string) error {
	if err == nil {
		return nil
	}
	return classifyError(err, phase, op, URL)
}
