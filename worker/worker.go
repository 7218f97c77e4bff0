// Package worker implements the per-connection accept and keep-alive loop
// that ties the router, static handler, and proxy handler together under
// the timeout and size limits a ServerView carries.
//
// A worker_processes config value of N becomes N goroutines Accept()ing
// off the one shared net.Listener handed to Serve, a thread-pool stand-in
// for an OS-process-per-worker model. Each of those N units gets its own
// upstream pools and its own cache.Cache memory tier (via
// cache.Cache.ForWorker), so no mutable state is shared across units; only
// the frozen conf.View and the cache's disk tier are shared.
package worker

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omalloc/migux/cache"
	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/contrib/log"
	"github.com/omalloc/migux/httpcodec"
	"github.com/omalloc/migux/metrics"
	xerrors "github.com/omalloc/migux/pkg/errors"
	"github.com/omalloc/migux/proxy"
	"github.com/omalloc/migux/router"
	"github.com/omalloc/migux/static"
	"github.com/omalloc/migux/upstream"
)

const serverHeader = "migux"

// unit is one goroutine-shaped worker: its own upstream pools and cache
// memory tier, dispatching requests accepted off the shared listener.
type unit struct {
	view      *conf.View
	server    *conf.ServerView
	static    *static.Handler
	proxy     *proxy.Handler
	logger    log.Logger
	accessLog *AccessLog
}

// Listener runs one ServerView's accept loop: Server.WorkerProcesses unit
// goroutines sharing one net.Listener, each connection bounded by a
// Server.WorkerConnections semaphore shared across all units so the total
// concurrent-connection budget is per listen address, not per unit.
type Listener struct {
	view   *conf.View
	server *conf.ServerView
	units  []*unit
	sem    chan struct{}
	logger log.Logger

	ln net.Listener
}

// New builds a Listener for sv, constructing one upstream.Pool per upstream
// referenced by any location in view for each of sv.WorkerProcesses units,
// and one cache.Cache (via sharedCache.ForWorker) per unit.
func New(view *conf.View, sv *conf.ServerView, sharedCache *cache.Cache, logger log.Logger) *Listener {
	procs := sv.WorkerProcesses
	if procs < 1 {
		procs = 1
	}
	conns := sv.WorkerConnections
	if conns < 1 {
		conns = 1024
	}

	accessLog := NewAccessLog(sv.AccessLog)

	units := make([]*unit, 0, procs)
	for i := 0; i < procs; i++ {
		var staticHandler *static.Handler
		if sharedCache != nil {
			staticHandler = &static.Handler{Cache: sharedCache.ForWorker()}
		} else {
			staticHandler = &static.Handler{}
		}
		units = append(units, &unit{
			view:      view,
			server:    sv,
			static:    staticHandler,
			proxy:     &proxy.Handler{Pools: buildPools(view)},
			logger:    logger,
			accessLog: accessLog,
		})
	}

	return &Listener{
		view:   view,
		server: sv,
		units:  units,
		sem:    make(chan struct{}, conns),
		logger: logger,
	}
}

// buildPools constructs one upstream.Pool per distinct UpstreamView
// referenced by any server's locations in view, scoped to a single unit:
// routing may pick any server in view for a connection on this listener.
func buildPools(view *conf.View) map[string]*upstream.Pool {
	pools := make(map[string]*upstream.Pool)
	for _, sv := range view.Servers {
		for _, loc := range sv.Locations {
			if loc.Kind != "proxy" || loc.Upstream == nil {
				continue
			}
			if _, ok := pools[loc.Upstream.Name]; ok {
				continue
			}
			pools[loc.Upstream.Name] = upstream.New(loc.Upstream)
		}
	}
	return pools
}

// Serve runs every unit's accept loop against ln until ctx is cancelled or
// ln.Accept fails terminally.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.ln = ln

	errCh := make(chan error, len(l.units))
	for _, u := range l.units {
		go u.acceptLoop(ctx, ln, l.sem, errCh)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (u *unit) acceptLoop(ctx context.Context, ln net.Listener, sem chan struct{}, errCh chan<- error) {
	helper := log.NewHelper(u.logger)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			helper.Warnf("accept on %s failed: %v", u.server.Listen, err)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}

		go func(c net.Conn) {
			defer func() { <-sem }()
			u.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads one request with a deadline, routes and dispatches it,
// streams the response, then decides whether to loop for another request
// or close the connection.
func (u *unit) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	localAddr := conn.LocalAddr().String()
	clientIP := clientIPOf(conn)
	isTLS := isTLSConn(conn)

	first := true
	for {
		readTimeout := u.server.KeepaliveTimeout
		if first {
			readTimeout = u.server.ClientReadTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		req, err := httpcodec.ReadRequest(br, u.server.MaxRequestHeaderBytes)
		if err != nil {
			if isTimeoutErr(err) {
				if first {
					u.writeAndClose(bw, xerrors.RequestTimeout())
				}
				// idle keep-alive timeout on a reused connection: close
				// silently, no response bytes have been sent.
				return
			}
			u.writeAndClose(bw, err)
			return
		}
		first = false
		req.RemoteAddr = conn.RemoteAddr().String()

		metric := metrics.NewRequestMetric(req.Header, clientIP)
		metric.Method = req.Method
		metric.Path = req.Path

		if err := checkBodySize(req, u.server.MaxRequestBodyBytes); err != nil {
			u.writeAndClose(bw, err)
			return
		}
		req.Body = httpcodec.NewRequestBody(req, br)

		reqCtx, cancel := context.WithTimeout(ctx, u.server.ProxyWriteTimeout)
		resp, serveErr := u.dispatch(reqCtx, req, localAddr, clientIP, isTLS)
		cancel()

		_ = req.Body.Close()

		keepAlive := true
		if serveErr != nil {
			resp = canonicalResponse(serveErr)
			keepAlive = false
		} else {
			keepAlive = negotiateKeepAlive(req.Header, resp)
		}
		applyConnectionHeader(resp, keepAlive)

		metric.StatusCode = resp.StatusCode
		if resp.Header != nil {
			metric.CacheStatus = resp.Header.Get("X-Cache")
		}

		_ = conn.SetWriteDeadline(time.Now().Add(u.server.ProxyWriteTimeout))
		if err := httpcodec.WriteResponseHead(bw, resp, nowDate(), serverHeader); err != nil {
			return
		}
		sent, err := httpcodec.CopyBody(bw, resp.Body, resp.Framing)
		metric.SentBytes = sent
		if err != nil {
			_ = resp.Body.Close()
			metrics.UnexpectedClosedTotal.WithLabelValues(req.Proto, req.Method).Inc()
			return
		}
		if err := bw.Flush(); err != nil {
			_ = resp.Body.Close()
			return
		}
		_ = resp.Body.Close()

		metrics.RequestsTotal.WithLabelValues(req.Proto, statusLabel(resp.StatusCode)).Inc()
		metrics.RecordRequest()
		u.accessLog.Log(metric)

		if !keepAlive {
			return
		}
	}
}

func (u *unit) dispatch(ctx context.Context, req *httpcodec.Request, localAddr, clientIP string, isTLS bool) (*httpcodec.Response, error) {
	server, loc, err := router.Route(u.view, localAddr, req.Host, req.Path)
	if err != nil {
		return nil, err
	}

	switch loc.Kind {
	case "proxy":
		return u.proxy.Serve(ctx, req, loc, proxy.Exchange{
			ClientIP:           clientIP,
			IsTLS:              isTLS,
			MaxRespHeaderBytes: server.MaxUpstreamResponseHeaderBytes,
			WriteTimeout:       server.ProxyWriteTimeout,
		})
	default:
		return u.static.Serve(req, loc)
	}
}

// writeAndClose emits a canonical error response and drops the connection;
// callers use it only when no response bytes have been sent for the
// in-flight request yet.
func (u *unit) writeAndClose(bw *bufio.Writer, err error) {
	resp := canonicalResponse(err)
	applyConnectionHeader(resp, false)
	if werr := httpcodec.WriteResponseHead(bw, resp, nowDate(), serverHeader); werr != nil {
		return
	}
	_, _ = httpcodec.CopyBody(bw, resp.Body, resp.Framing)
	_ = bw.Flush()
	_ = resp.Body.Close()
}

func checkBodySize(req *httpcodec.Request, max int64) error {
	if req.Framing == httpcodec.FramingSized && max > 0 && req.ContentLength > max {
		return xerrors.PayloadTooLarge()
	}
	return nil
}

// negotiateKeepAlive implements keep-alive negotiation: HTTP/1.1 defaults
// to keep-alive, overridden by an explicit Connection: close from either
// side or by response framing that forces a close (EOF-delimited).
func negotiateKeepAlive(reqHeader http.Header, resp *httpcodec.Response) bool {
	if resp == nil {
		return false
	}
	if resp.Framing == httpcodec.FramingUntilClose {
		return false
	}
	if connectionHasClose(reqHeader) {
		return false
	}
	if resp.Header != nil && connectionHasClose(resp.Header) {
		return false
	}
	return true
}

func connectionHasClose(h http.Header) bool {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return true
			}
		}
	}
	return false
}

func applyConnectionHeader(resp *httpcodec.Response, keepAlive bool) {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Del("Connection")
	if keepAlive {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func isTLSConn(conn net.Conn) bool {
	_, ok := conn.(*tls.Conn)
	return ok
}

func clientIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func nowDate() string {
	return time.Now().UTC().Format(http.TimeFormat)
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
