// Package kratos provides the minimal application lifecycle runner used by
// main.go: start every registered transport.Server, wait for an OS signal or
// a server failure, then stop them all within a bound timeout.
package kratos

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/omalloc/migux/contrib/log"
	"github.com/omalloc/migux/contrib/transport"
)

type App struct {
	id          string
	name        string
	version     string
	stopTimeout time.Duration
	logger      log.Logger
	servers     []transport.Server

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*App)

func ID(id string) Option           { return func(a *App) { a.id = id } }
func Name(name string) Option       { return func(a *App) { a.name = name } }
func Version(v string) Option       { return func(a *App) { a.version = v } }
func Logger(l log.Logger) Option    { return func(a *App) { a.logger = l } }
func StopTimeout(d time.Duration) Option {
	return func(a *App) { a.stopTimeout = d }
}
func Server(servers ...transport.Server) Option {
	return func(a *App) { a.servers = append(a.servers, servers...) }
}

func New(opts ...Option) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		stopTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts every server concurrently and blocks until either an OS
// shutdown signal arrives or a server exits with an error, then stops
// everything within StopTimeout.
func (a *App) Run() error {
	helper := log.NewHelper(a.logger)
	helper.Infof("%s (%s) starting, pid=%d", a.name, a.version, os.Getpid())

	sctx, stop := signal.NotifyContext(a.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, len(a.servers))
	var wg sync.WaitGroup
	for _, srv := range a.servers {
		wg.Add(1)
		go func(s transport.Server) {
			defer wg.Done()
			if err := s.Start(sctx); err != nil {
				errs <- err
			}
		}(srv)
	}

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errs:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.stopTimeout)
	defer cancel()

	var stopErrs []error
	for _, srv := range a.servers {
		if err := srv.Stop(stopCtx); err != nil {
			stopErrs = append(stopErrs, err)
		}
	}
	wg.Wait()

	if runErr != nil {
		stopErrs = append(stopErrs, runErr)
	}
	if len(stopErrs) > 0 {
		return errors.Join(stopErrs...)
	}
	return nil
}
