// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/net/http2/hpack"
)

// Redirect failures. They are wrapped in an [*Error] of kind [ErrRedirect].
var (
	errRedirectLoop     = errors.New("redirect loop")
	errTooManyRedirects = errors.New("too many redirects")
	errBadLocation      = errors.New("invalid Location header")
)

// maxRedirectDrain bounds the bytes read from a redirect body so the
// connection can be reused.
const maxRedirectDrain = 64 << 10

// isRedirectStatus returns whether status is a followable redirect.
func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// redirectKey identifies a hop for loop detection.
func redirectKey(req *WireRequest) string {
	return req.Method + " " + req.URL.String()
}

// nextRedirect returns the request for the hop following resp, or nil
// when resp must be returned to the caller as is.
func nextRedirect(req *WireRequest, resp *WireResponse) (*WireRequest, error) {
	if !req.Redirect.Follow || !isRedirectStatus(resp.StatusCode) {
		return nil, nil
	}
	location := fieldsToHeader(resp.Header).Get("Location")
	if location == "" {
		return nil, nil
	}
	target, err := req.URL.Parse(location)
	if err != nil {
		return nil, newError(ErrRedirect, "", "redirect", req.URL.String(), fmt.Errorf("%w: %w", errBadLocation, err))
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, nil
	}
	crossOrigin := hostKey(target) != hostKey(req.URL)
	if crossOrigin && req.Redirect.SameOriginOnly {
		return nil, nil
	}

	next := *req
	next.URL = target
	next.Header = slices.Clone(req.Header)

	switch {
	case resp.StatusCode == http.StatusSeeOther && req.Method != http.MethodHead,
		(resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) &&
			req.Method != http.MethodGet && req.Method != http.MethodHead:
		next.Method = http.MethodGet
		next.GetBody = nil
		next.ContentLength = 0
		next.Replayable = true
		next.Header = slices.DeleteFunc(next.Header, func(field hpack.HeaderField) bool {
			return field.Name == "content-type"
		})

	case req.GetBody != nil && !req.Replayable:
		// the body was streamed and cannot be sent again
		return nil, nil
	}

	if crossOrigin {
		next.Host = ""
		next.Header = slices.DeleteFunc(next.Header, func(field hpack.HeaderField) bool {
			return isSensitiveHeader(field.Name)
		})
	}
	return &next, nil
}

// redirectChain tracks the hops of a request.
type redirectChain struct {
	visited map[string]bool
	hops    int
}

func newRedirectChain(req *WireRequest) *redirectChain {
	return &redirectChain{visited: map[string]bool{redirectKey(req): true}}
}

// add records the next hop and fails on loops or too many hops.
func (rc *redirectChain) add(next *WireRequest) error {
	rc.hops++
	if rc.hops > next.Redirect.MaxHops {
		return newError(ErrRedirect, "", "redirect", next.URL.String(),
			fmt.Errorf("%w: more than %d", errTooManyRedirects, next.Redirect.MaxHops))
	}
	key := redirectKey(next)
	if rc.visited[key] {
		return newError(ErrRedirect, "", "redirect", next.URL.String(), errRedirectLoop)
	}
	rc.visited[key] = true
	return nil
}

// drainAndClose reads a bounded amount of the body and closes it.
func drainAndClose(src ChunkSource) {
	var count int
	for count < maxRedirectDrain {
		chunk, err := src.NextChunk()
		count += len(chunk)
		if err != nil {
			break
		}
	}
	src.Close()
}
