// Package proxy builds the upstream request, borrows a pooled connection,
// streams both directions without rebuffering, and maps upstream failures
// onto the canonical 502 response.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/httpcodec"
	"github.com/omalloc/migux/pkg/errors"
	xhttp "github.com/omalloc/migux/pkg/x/http"
	"github.com/omalloc/migux/router"
	"github.com/omalloc/migux/upstream"
)

// Handler proxies requests for one or more upstreams, each with its own
// connection pool.
type Handler struct {
	Pools map[string]*upstream.Pool // keyed by conf.UpstreamView.Name
}

// Exchange carries the per-connection facts the proxy needs but that the
// router/worker already know, so this package stays free of any direct
// dependency on the worker's own connection type.
type Exchange struct {
	ClientIP           string
	IsTLS              bool
	MaxRespHeaderBytes int64
	WriteTimeout       time.Duration
}

// Serve proxies one request against loc, an already-validated proxy
// location: acquire an upstream connection, relay the request, relay the
// response, then release or discard the connection.
func (h *Handler) Serve(ctx context.Context, req *httpcodec.Request, loc *conf.LocationView, ex Exchange) (*httpcodec.Response, error) {
	pool, ok := h.Pools[loc.Upstream.Name]
	if !ok {
		return nil, errors.BadGateway()
	}

	pc, addr, reused, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	upReq := buildUpstreamRequest(req, loc, ex, addr)

	if d, ok := ctx.Deadline(); ok {
		_ = pc.Conn().SetWriteDeadline(d)
	} else if ex.WriteTimeout > 0 {
		_ = pc.Conn().SetWriteDeadline(time.Now().Add(ex.WriteTimeout))
	}

	bw := bufio.NewWriter(pc.Conn())
	if err := httpcodec.WriteRequestHead(bw, upReq); err != nil {
		pool.Release(addr, pc, false)
		pool.RecordFailure(addr)
		if !reused {
			return nil, errors.BadGateway().WithCause(err)
		}

		// The liveness probe at borrow time can still race a peer that
		// closes the socket afterward. Since nothing has been written yet,
		// one retry on a freshly dialed connection to the same endpoint is
		// safe; a second failure here is a real backend problem, not a
		// stale socket, so it is reported as-is.
		pc, err = pool.Redial(ctx, addr)
		if err != nil {
			return nil, err
		}
		reused = false

		if d, ok := ctx.Deadline(); ok {
			_ = pc.Conn().SetWriteDeadline(d)
		} else if ex.WriteTimeout > 0 {
			_ = pc.Conn().SetWriteDeadline(time.Now().Add(ex.WriteTimeout))
		}
		bw = bufio.NewWriter(pc.Conn())
		if err := httpcodec.WriteRequestHead(bw, upReq); err != nil {
			pool.Release(addr, pc, false)
			pool.RecordFailure(addr)
			return nil, errors.BadGateway().WithCause(err)
		}
	}
	if _, err := httpcodec.CopyBody(bw, req.Body, upReq.Framing); err != nil {
		pool.Release(addr, pc, false)
		pool.RecordFailure(addr)
		return nil, errors.BadGateway().WithCause(err)
	}
	if err := bw.Flush(); err != nil {
		pool.Release(addr, pc, false)
		pool.RecordFailure(addr)
		return nil, errors.BadGateway().WithCause(err)
	}

	maxHeaderBytes := ex.MaxRespHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 64 * 1024
	}

	resp, err := httpcodec.ReadResponse(pc.Reader(), maxHeaderBytes, req.Method)
	if err != nil {
		pool.Release(addr, pc, false)
		pool.RecordFailure(addr)
		// Any upstream framing or header-overflow failure maps to 502, never
		// the 431 that httpcodec would use for an oversized client request.
		return nil, errors.BadGateway().WithCause(err)
	}

	relayed := httpcodec.PrepareRelayHeader(resp.Header)
	resp.Header = relayed

	body := httpcodec.NewResponseBody(resp, pc.Reader())
	reusable := resp.Framing != httpcodec.FramingUntilClose && !strings.EqualFold(resp.Header.Get("Connection"), "close")
	resp.Body = &releasingBody{inner: body, pool: pool, addr: addr, pc: pc, reusable: reusable}

	pool.RecordSuccess(addr)
	return resp, nil
}

// buildUpstreamRequest prepares the request to send to addr. Host is set to
// the original request's Host when loc.PreserveHost is set, or rewritten to
// the chosen upstream endpoint address otherwise. PreserveHost is false
// unless the location's config sets it, so Host is rewritten by default.
func buildUpstreamRequest(req *httpcodec.Request, loc *conf.LocationView, ex Exchange, addr string) *httpcodec.Request {
	header := httpcodec.PrepareRelayHeader(req.Header)

	xff := header.Get("X-Forwarded-For")
	if xff == "" {
		header.Set("X-Forwarded-For", ex.ClientIP)
	} else {
		header.Set("X-Forwarded-For", xff+", "+ex.ClientIP)
	}
	header.Set("X-Real-IP", ex.ClientIP)
	header.Set("X-Forwarded-Proto", xhttp.Scheme(ex.IsTLS, req.Header))
	header.Set("X-Forwarded-Host", req.Host)
	if loc.PreserveHost {
		header.Set("Host", req.Host)
	} else {
		header.Set("Host", addr)
	}
	header.Set("Connection", "keep-alive")

	target := router.TargetPath(loc, req.Path)
	if req.Query != "" {
		target = target + "?" + req.Query
	}

	upReq := &httpcodec.Request{
		Method:        req.Method,
		Target:        target,
		Proto:         "HTTP/1.1",
		Header:        header,
		Framing:       req.Framing,
		ContentLength: req.ContentLength,
	}
	if upReq.Framing == httpcodec.FramingSized {
		header.Set("Content-Length", fmt.Sprintf("%d", req.ContentLength))
	} else if upReq.Framing == httpcodec.FramingChunked {
		header.Set("Transfer-Encoding", "chunked")
	}
	return upReq
}

// releasingBody wraps the decoded upstream response body so that, once the
// worker finishes reading it, the borrowed connection is returned to the
// pool or discarded. A read error downgrades the exchange to non-reusable
// even if the response framing looked clean.
type releasingBody struct {
	inner    io.ReadCloser
	pool     *upstream.Pool
	addr     string
	pc       *upstream.Conn
	reusable bool
	closed   bool
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if err != nil && err != io.EOF {
		b.reusable = false
	}
	return n, err
}

func (b *releasingBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	closeErr := b.inner.Close()
	if closeErr != nil {
		b.reusable = false
	}
	b.pool.Release(b.addr, b.pc, b.reusable)
	return closeErr
}
