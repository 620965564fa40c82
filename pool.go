// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// dialState flows through the dial pipeline.
type dialState struct {
	// target is the origin host and port.
	target dialTarget

	// secure is true for https origins.
	secure bool

	// connectTimeout bounds each connect attempt.
	connectTimeout time.Duration

	// candidates are the resolved addresses.
	candidates []candidate

	// sni is the TLS server name override of the chosen candidate.
	sni string

	// raw is the observed TCP connection.
	raw *observedConn

	// conn is the topmost connection built so far.
	conn net.Conn
}

// pooledConn is a connection owned by a [*poolSet].
type pooledConn struct {
	hc        *HTTPConn
	raw       *observedConn
	idleSince time.Time
}

// close closes the connection.
func (pc *pooledConn) close() {
	pc.hc.Close()
}

// poolSet holds the connections opened for a single engine config.
type poolSet struct {
	cfg      *Config
	logger   SLogger
	proxyURL *url.URL
	tlsBase  *tls.Config

	// resolver is the [Func] mapping targets to candidates.
	resolver Func[dialTarget, []candidate]

	mu     sync.Mutex
	closed bool
	hosts  map[string]*hostPool
}

// hostPool holds the connections to a single (scheme, host, port).
type hostPool struct {
	// sem caps the live connections to the host.
	sem *semaphore.Weighted

	// idle is protected by the poolSet mutex.
	idle []*pooledConn
}

func newPoolSet(cfg *Config) (*poolSet, error) {
	tlsBase, err := cfg.TLS.tlsConfig()
	if err != nil {
		return nil, err
	}
	ps := &poolSet{
		cfg:      cfg,
		logger:   cfg.Logger,
		tlsBase:  tlsBase,
		resolver: NewResolveFunc(cfg, cfg.Logger),
		hosts:    map[string]*hostPool{},
	}
	if cfg.Proxy != nil {
		ps.proxyURL, err = parseProxyURL(cfg.Proxy.URL)
		if err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// host returns the pool for key, creating it when needed.
func (ps *poolSet) host(key string) *hostPool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	hp := ps.hosts[key]
	if hp == nil {
		hp = &hostPool{sem: semaphore.NewWeighted(int64(ps.cfg.MaxConnsPerHost))}
		ps.hosts[key] = hp
	}
	return hp
}

// popIdle returns the most recently used idle connection of hp, if any.
func (ps *poolSet) popIdle(hp *hostPool) *pooledConn {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	count := len(hp.idle)
	if count <= 0 {
		return nil
	}
	pc := hp.idle[count-1]
	hp.idle = hp.idle[:count-1]
	return pc
}

// pushIdle returns pc to hp and reports whether it was accepted.
func (ps *poolSet) pushIdle(hp *hostPool, pc *pooledConn) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed || len(hp.idle) >= ps.cfg.MaxIdleConnsPerHost {
		return false
	}
	pc.idleSince = ps.cfg.TimeNow()
	hp.idle = append(hp.idle, pc)
	return true
}

// idleCount returns the number of idle connections.
func (ps *poolSet) idleCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var count int
	for _, hp := range ps.hosts {
		count += len(hp.idle)
	}
	return count
}

// closeAll closes the idle connections and refuses to pool new ones.
func (ps *poolSet) closeAll() {
	ps.mu.Lock()
	ps.closed = true
	var idle []*pooledConn
	for _, hp := range ps.hosts {
		idle = append(idle, hp.idle...)
		hp.idle = nil
	}
	ps.mu.Unlock()
	for _, pc := range idle {
		pc.close()
	}
}

// lease is the exclusive use of a pooled connection by one round trip.
type lease struct {
	ps     *poolSet
	hp     *hostPool
	pc     *pooledConn
	reused bool
	stop   func() bool
	once   sync.Once
}

// acquire returns a lease on a connection to URL.
//
// It waits for a connection slot, then reuses a healthy idle connection
// unless fresh is set, else dials a new one. The lease arms the read
// timeout and closes the connection when ctx is done.
func (ps *poolSet) acquire(ctx context.Context, URL *url.URL,
	connectTimeout, readTimeout time.Duration, fresh bool, logger SLogger) (*lease, error) {
	hp := ps.host(hostKey(URL))
	if err := hp.sem.Acquire(ctx, 1); err != nil {
		return nil, context.Cause(ctx)
	}

	var (
		pc     *pooledConn
		reused bool
	)
	for !fresh {
		pc = ps.popIdle(hp)
		if pc == nil {
			break
		}
		if ps.cfg.TimeNow().Sub(pc.idleSince) < ps.cfg.IdleKeepAlive && pc.hc.alive() {
			reused = true
			break
		}
		logger.Info(
			"poolEvict",
			slog.Time("idleSince", pc.idleSince),
			slog.String("remoteAddr", pc.raw.raddr),
			slog.Time("t", ps.cfg.TimeNow()),
		)
		pc.close()
		pc = nil
	}

	if pc == nil {
		var err error
		pc, err = ps.dial(ctx, URL, connectTimeout, logger)
		if err != nil {
			hp.sem.Release(1)
			return nil, err
		}
	} else {
		ps.cfg.Metrics.incPoolReuse()
	}

	pc.raw.armReadTimeout(readTimeout)
	return &lease{
		ps:     ps,
		hp:     hp,
		pc:     pc,
		reused: reused,
		stop:   watchAbort(ctx, pc.hc),
	}, nil
}

// finish ends the lease, returning the connection to the pool when clean
// is true and the connection is still usable, and closing it otherwise.
// It is safe to call more than once.
func (l *lease) finish(clean bool) {
	l.once.Do(func() {
		watching := l.stop()
		l.pc.raw.disarmReadTimeout()
		if !clean || !watching || l.pc.raw.isClosed() || !l.pc.hc.reusable() || !l.ps.pushIdle(l.hp, l.pc) {
			l.pc.close()
		}
		l.hp.sem.Release(1)
	})
}

// dial opens a new pooled connection to URL.
func (ps *poolSet) dial(ctx context.Context, URL *url.URL, connectTimeout time.Duration, logger SLogger) (*pooledConn, error) {
	port, _ := strconv.ParseUint(URL.Port(), 10, 16)
	if port == 0 {
		port, _ = strconv.ParseUint(defaultPort(URL.Scheme), 10, 16)
	}
	st := &dialState{
		target:         dialTarget{host: URL.Hostname(), port: uint16(port)},
		secure:         URL.Scheme == "https",
		connectTimeout: connectTimeout,
	}
	return ps.dialPipeline(logger).Call(ctx, st)
}

// dialPipeline returns the pipeline opening pooled connections.
func (ps *poolSet) dialPipeline(logger SLogger) Func[*dialState, *pooledConn] {
	return Compose5(
		FuncAdapter[*dialState, *dialState](func(ctx context.Context, st *dialState) (*dialState, error) {
			return ps.resolveStage(ctx, st)
		}),
		FuncAdapter[*dialState, *dialState](func(ctx context.Context, st *dialState) (*dialState, error) {
			return ps.connectStage(ctx, st, logger)
		}),
		FuncAdapter[*dialState, *dialState](func(ctx context.Context, st *dialState) (*dialState, error) {
			return ps.tunnelStage(ctx, st, logger)
		}),
		FuncAdapter[*dialState, *dialState](func(ctx context.Context, st *dialState) (*dialState, error) {
			return ps.tlsStage(ctx, st, logger)
		}),
		FuncAdapter[*dialState, *pooledConn](func(ctx context.Context, st *dialState) (*pooledConn, error) {
			hc, err := NewHTTPConnFunc(ps.cfg, logger).Call(ctx, st.conn)
			if err != nil {
				return nil, err
			}
			return &pooledConn{hc: hc, raw: st.raw}, nil
		}),
	)
}

// resolveStage resolves the origin, or the proxy when one is configured.
func (ps *poolSet) resolveStage(ctx context.Context, st *dialState) (*dialState, error) {
	target := st.target
	if ps.proxyURL != nil {
		target = dialTarget{host: ps.proxyURL.Hostname(), port: proxyPort(ps.proxyURL)}
	}
	candidates, err := ps.resolver.Call(ctx, target)
	if err != nil {
		return nil, err
	}
	st.candidates = candidates
	return st, nil
}

// connectStage connects to the first reachable candidate and observes
// the resulting connection.
func (ps *poolSet) connectStage(ctx context.Context, st *dialState, logger SLogger) (*dialState, error) {
	conn, chosen, err := connectCandidates(ctx, NewConnectFunc(ps.cfg, "tcp", logger),
		st.candidates, st.connectTimeout, ps.cfg.Metrics)
	if err != nil {
		return nil, err
	}
	st.raw = NewObserveConnFunc(ps.cfg, logger).wrap(conn)
	st.conn = st.raw
	if ps.proxyURL == nil {
		st.sni = chosen.sni
	}
	return st, nil
}

// tunnelStage opens the proxy tunnel, if any.
func (ps *poolSet) tunnelStage(ctx context.Context, st *dialState, logger SLogger) (*dialState, error) {
	if ps.proxyURL == nil {
		return st, nil
	}
	address := net.JoinHostPort(st.target.host, strconv.Itoa(int(st.target.port)))
	conn, err := NewProxyTunnelFunc(ps.cfg, ps.proxyURL, logger).Call(ctx, st.conn, address)
	if err != nil {
		return nil, err
	}
	st.conn = conn
	return st, nil
}

// tlsStage performs the TLS handshake for https origins.
func (ps *poolSet) tlsStage(ctx context.Context, st *dialState, logger SLogger) (*dialState, error) {
	if !st.secure {
		return st, nil
	}
	config := ps.tlsBase.Clone()
	config.ServerName = st.target.host
	if st.sni != "" {
		config.ServerName = st.sni
	}
	tconn, err := NewTLSHandshakeFunc(ps.cfg, config, logger).Call(ctx, st.conn)
	if err != nil {
		return nil, err
	}
	st.conn = tconn
	return st, nil
}
