// Package server assembles one process's conf.View into running
// worker.Listeners, plus a small internal admin mux (metrics, health
// probes, version, cache purge) alongside the main request path.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omalloc/migux/cache"
	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/contrib/log"
	"github.com/omalloc/migux/contrib/transport"
	"github.com/omalloc/migux/metrics"
	"github.com/omalloc/migux/pkg/x/runtime"
	"github.com/omalloc/migux/worker"
)

var localMatcher = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

func init() {
	prometheus.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

// Server is the transport.Server the process runs: every distinct listen
// address's worker.Listener, plus the admin mux bound to the first server's
// admin_listen address.
type Server struct {
	flip   *tableflip.Upgrader
	view   *conf.View
	cache  *cache.Cache
	logger log.Logger

	listeners   []*worker.Listener
	listenAddrs []string // same order/length as listeners
	admin       *http.Server
}

// New resolves view's shared cache.Cache and builds one worker.Listener per
// distinct Listen address across view.Servers; flip supplies
// graceful-restart-aware listeners. Several ServerView entries sharing one
// Listen address (server_name-disambiguated virtual hosts) collapse onto a
// single socket and a single worker.Listener: the listener's own tunables
// (worker processes/connections, timeouts) come from whichever of those
// ServerViews is listed first, since conf.View.SelectServer and
// ServerView.SelectLocation resolve the right server and location per
// request regardless of which listener accepted the connection.
func New(flip *tableflip.Upgrader, view *conf.View, logger log.Logger) (transport.Server, error) {
	c, err := cache.New(view.Cache)
	if err != nil {
		return nil, fmt.Errorf("server: open cache: %w", err)
	}

	s := &Server{flip: flip, view: view, cache: c, logger: logger}
	seen := make(map[string]bool, len(view.Servers))
	for _, sv := range view.Servers {
		if seen[sv.Listen] {
			continue
		}
		seen[sv.Listen] = true
		s.listeners = append(s.listeners, worker.New(view, sv, c, logger))
		s.listenAddrs = append(s.listenAddrs, sv.Listen)
	}
	s.admin = &http.Server{Handler: s.gateLocal(s.newAdminMux())}
	return s, nil
}

// gateLocal restricts the admin mux to loopback callers: admin_listen
// usually already binds to 127.0.0.1, but this holds even if an operator
// widens it.
func (s *Server) gateLocal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := fmtHost(r.RemoteAddr)
		if _, ok := localMatcher[host]; !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on every server's address (via the tableflip.Upgrader, so
// a running instance's sockets survive a binary upgrade) and runs each
// worker.Listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	helper := log.NewHelper(s.logger)

	var wg sync.WaitGroup
	for i, addr := range s.listenAddrs {
		ln, err := s.flip.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", addr, err)
		}
		helper.Infof("migux listening on %s", addr)

		l := s.listeners[i]
		wg.Add(1)
		go func(l *worker.Listener, ln net.Listener) {
			defer wg.Done()
			if err := l.Serve(ctx, ln); err != nil {
				helper.Errorf("listener on %s stopped: %v", ln.Addr(), err)
			}
		}(l, ln)
	}

	adminAddr := s.adminListenAddr()
	if adminAddr != "" {
		adminLn, err := s.flip.Listen("tcp", adminAddr)
		if err != nil {
			helper.Warnf("admin mux disabled, failed to listen on %s: %v", adminAddr, err)
		} else {
			helper.Infof("admin endpoints listening on %s", adminAddr)
			go func() {
				if err := s.admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
					helper.Errorf("admin mux stopped: %v", err)
				}
			}()
		}
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.admin.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *Server) adminListenAddr() string {
	for _, sv := range s.view.Servers {
		if sv.AdminListen != "" {
			return sv.AdminListen
		}
	}
	return ""
}

// newAdminMux builds the loopback-gated internal mux: health probes,
// /version, /metrics, and a cache-purge endpoint over the static cache.
func (s *Server) newAdminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(struct {
			runtime.RuntimeInfo
			RequestsPerSecond int64 `json:"requests_per_second"`
		}{runtime.BuildInfo, metrics.CurrentRPS()})
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.Handle("/healthz/startup-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/healthz/liveness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/healthz/readiness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/purge", http.HandlerFunc(s.handlePurge))

	return mux
}

// handlePurge evicts cache entries for a resolved path (?path=/a/b) from the
// shared disk tier and from this Server's own cache memory tier; the memory
// tiers that workers hold via cache.Cache.ForWorker keep their copies. A
// trailing slash on path (or
// ?prefix=true) purges every cached entry under that directory instead of
// a single file.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.HasSuffix(path, "/") || r.URL.Query().Get("prefix") == "true" {
		s.cache.PurgePrefix(path)
	} else {
		s.cache.Purge(path)
	}
	w.WriteHeader(http.StatusNoContent)
}

func fmtHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}
