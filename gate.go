// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"net"
	"net/url"
	"sync"

	"golang.org/x/sync/semaphore"
)

// dispatchGate caps the number of concurrent dispatches per host.
//
// Excess requests queue in FIFO order inside [semaphore.Weighted] until
// a slot frees up or their context is done.
type dispatchGate struct {
	limit int64

	mu    sync.Mutex
	hosts map[string]*gateEntry
}

type gateEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newDispatchGate(limit int) *dispatchGate {
	return &dispatchGate{limit: int64(limit), hosts: map[string]*gateEntry{}}
}

// acquire waits for a slot for key and returns the function releasing it.
//
// The release function is safe to call more than once.
func (g *dispatchGate) acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	entry := g.hosts[key]
	if entry == nil {
		entry = &gateEntry{sem: semaphore.NewWeighted(g.limit)}
		g.hosts[key] = entry
	}
	entry.refs++
	g.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		g.unref(key, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			g.unref(key, entry)
		})
	}, nil
}

// unref forgets hosts without waiters or holders.
func (g *dispatchGate) unref(key string, entry *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(g.hosts, key)
	}
}

// size returns the number of tracked hosts.
func (g *dispatchGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hosts)
}

// hostKey returns the (scheme, host, port) key of URL.
func hostKey(URL *url.URL) string {
	port := URL.Port()
	if port == "" {
		port = defaultPort(URL.Scheme)
	}
	return URL.Scheme + "://" + net.JoinHostPort(URL.Hostname(), port)
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
