// Package upstream provides per-endpoint keep-alive connection pooling, an
// Up/Down(until) health state machine, and round_robin/single endpoint
// selection across a named set of upstream addresses.
package upstream

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/metrics"
	"github.com/omalloc/migux/pkg/errors"
)

// Pool owns one upstream's endpoints: a connection pool and a health record
// per address, plus a round-robin cursor. It belongs to exactly one worker
// unit, never shared across them.
type Pool struct {
	view      *conf.UpstreamView
	endpoints []string
	pools     map[string]*endpointPool
	health    map[string]*health
	cursor    uint64
	dialer    net.Dialer
}

func New(view *conf.UpstreamView) *Pool {
	p := &Pool{
		view:      view,
		endpoints: view.Addresses,
		pools:     make(map[string]*endpointPool, len(view.Addresses)),
		health:    make(map[string]*health, len(view.Addresses)),
		dialer:    net.Dialer{Timeout: view.ConnectTimeout},
	}
	for _, addr := range view.Addresses {
		p.pools[addr] = newEndpointPool(view.PoolMaxPerAddr, view.PoolIdleTimeout)
		p.health[addr] = &health{}
	}
	return p
}

// candidates returns the endpoints to attempt, in attempt order, per
// strategy. "single" never considers more than the first configured
// endpoint; "round_robin" rotates through all endpoints starting from the
// next cursor position, skipping any currently Down.
func (p *Pool) candidates(now time.Time) []string {
	if len(p.endpoints) == 0 {
		return nil
	}
	if p.view.Strategy == "single" {
		if p.health[p.endpoints[0]].available(now) {
			return p.endpoints[:1]
		}
		return nil
	}

	start := int(atomic.AddUint64(&p.cursor, 1)-1) % len(p.endpoints)
	ordered := make([]string, 0, len(p.endpoints))
	for i := 0; i < len(p.endpoints); i++ {
		addr := p.endpoints[(start+i)%len(p.endpoints)]
		if p.health[addr].available(now) {
			ordered = append(ordered, addr)
		}
	}
	return ordered
}

// Acquire borrows or dials a connection to the first available, reachable
// endpoint, recording a connect failure and trying the next candidate on
// dial error. Returns errors.BadGateway() if every candidate endpoint is
// Down or unreachable. The returned bool reports whether pc came from the
// idle pool (true) or was freshly dialed (false); the caller uses this to
// decide whether a subsequent early write failure is worth one dead-socket
// retry.
func (p *Pool) Acquire(ctx context.Context) (*pooledConn, string, bool, error) {
	now := time.Now()
	candidates := p.candidates(now)
	if len(candidates) == 0 {
		return nil, "", false, errors.BadGateway()
	}

	for _, addr := range candidates {
		pool := p.pools[addr]
		if pc := pool.borrow(now); pc != nil {
			metrics.PoolBorrowsTotal.WithLabelValues(p.view.Name, addr, "reused").Inc()
			return pc, addr, true, nil
		}

		conn, err := p.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			p.health[addr].recordFailure(now, p.view.FailThreshold, p.view.Cooldown)
			metrics.UpstreamFailuresTotal.WithLabelValues(p.view.Name, addr).Inc()
			continue
		}
		metrics.PoolBorrowsTotal.WithLabelValues(p.view.Name, addr, "dialed").Inc()
		return &pooledConn{conn: conn, br: bufio.NewReader(conn), lastUsed: now}, addr, false, nil
	}

	return nil, "", false, errors.BadGateway()
}

// Redial dials a fresh connection directly to addr, bypassing the idle pool
// and the candidate-selection strategy. It backs the single dead-socket
// retry: addr was already chosen by Acquire, and the retry budget is "try
// the same endpoint again with a connection known to be new", not "pick a
// different endpoint".
func (p *Pool) Redial(ctx context.Context, addr string) (*pooledConn, error) {
	now := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.health[addr].recordFailure(now, p.view.FailThreshold, p.view.Cooldown)
		metrics.UpstreamFailuresTotal.WithLabelValues(p.view.Name, addr).Inc()
		return nil, errors.BadGateway().WithCause(err)
	}
	metrics.PoolBorrowsTotal.WithLabelValues(p.view.Name, addr, "redialed").Inc()
	return &pooledConn{conn: conn, br: bufio.NewReader(conn), lastUsed: now}, nil
}

// Release returns pc to addr's pool when reusable (the exchange ended
// cleanly and both sides negotiated keep-alive); otherwise it closes pc.
func (p *Pool) Release(addr string, pc *pooledConn, reusable bool) {
	pool, ok := p.pools[addr]
	if !ok {
		_ = pc.conn.Close()
		return
	}
	if !reusable {
		pool.discard(pc)
		return
	}
	pc.lastUsed = time.Now()
	pool.release(pc)
}

// RecordFailure registers an early-IO failure against addr, distinct from
// the connect failure Acquire itself records.
func (p *Pool) RecordFailure(addr string) {
	if h, ok := p.health[addr]; ok {
		h.recordFailure(time.Now(), p.view.FailThreshold, p.view.Cooldown)
		metrics.UpstreamFailuresTotal.WithLabelValues(p.view.Name, addr).Inc()
	}
}

// RecordSuccess resets addr's consecutive failure count after a clean
// exchange.
func (p *Pool) RecordSuccess(addr string) {
	if h, ok := p.health[addr]; ok {
		h.recordSuccess()
	}
}

// Conn exposes the net.Conn and buffered reader of a borrowed connection,
// for the proxy handler to write the upstream request and read its
// response.
func (pc *pooledConn) Conn() net.Conn          { return pc.conn }
func (pc *pooledConn) Reader() *bufio.Reader   { return pc.br }
