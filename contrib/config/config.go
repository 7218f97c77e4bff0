package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dario.cat/mergo"

	"github.com/omalloc/migux/contrib/log"
	"github.com/omalloc/migux/pkg/mapstruct"
)

// Observer is config observer.
type Observer[T any] func(string, *T)

// Config is a config interface.
type Config[T any] interface {
	Scan(v *T) error
	Watch(key string, o Observer[T]) error
	Close() error
}

type config[T any] struct {
	opts   *options
	stop   chan struct{}
	signal chan os.Signal

	observers map[string][]Observer[T]
	bc        *T
}

func New[T any](opts ...Option) Config[T] {
	o := &options{}

	for _, opt := range opts {
		opt(o)
	}

	c := &config[T]{
		opts:      o,
		stop:      make(chan struct{}, 1),
		signal:    make(chan os.Signal, 1),
		observers: make(map[string][]Observer[T]),
		bc:        nil,
	}

	go c.tick()
	c.watchSources()

	return c
}

// watchSources starts a goroutine per source that supports Watch(), so a
// config file edit reloads immediately instead of waiting for SIGHUP.
func (c *config[T]) watchSources() {
	for _, source := range c.opts.sources {
		w, err := source.Watch()
		if err != nil || w == nil {
			continue
		}
		go func(w Watcher) {
			for {
				if _, err := w.Next(); err != nil {
					return
				}
				select {
				case <-c.stop:
					return
				default:
				}
				c.reload()
			}
		}(w)
	}
}

func (c *config[T]) reload() {
	if c.bc == nil {
		return
	}
	if err := c.Scan(c.bc); err != nil {
		log.Warnf("[config] reload failed: %s", err)
		return
	}
	for k, observers := range c.observers {
		log.Debugf("[config] upgrade key: %s", k)
		for _, observer := range observers {
			observer(k, c.bc)
		}
	}
}

// Scan loads every source into one merged map[string]any (each file decoded
// by c.opts.decoder, defaulting to defaultDecoder, then folded in with
// c.opts.merge or a plain mergo.Merge override-merge), resolves placeholders
// if a resolver is configured, and decodes the result into v via
// pkg/mapstruct so callers never hand-roll per-field unmarshalling.
func (c *config[T]) Scan(v *T) error {
	c.bc = v

	decode := c.opts.decoder
	if decode == nil {
		decode = defaultDecoder
	}

	merged := make(map[string]any)
	for _, source := range c.opts.sources {
		files, err := source.Load()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file not found: %w", err)
			}
			return err
		}
		for _, file := range files {
			if file.Value == nil {
				continue
			}
			log.Debugf("[config] load file: %#+v format: %s", file.Key, file.Format)
			target := make(map[string]any)
			if err := decode(file, target); err != nil {
				log.Errorf("[config] decode file: %#+v error: %s", file.Key, err)
				continue
			}
			if err := c.merge(merged, target); err != nil {
				return fmt.Errorf("config: merge %s: %w", file.Key, err)
			}
		}
	}

	if c.opts.resolver != nil {
		if err := c.opts.resolver(merged); err != nil {
			return fmt.Errorf("config: resolve: %w", err)
		}
	}

	return mapstruct.Decode(merged, v)
}

// merge folds src into dst in place using c.opts.merge if the caller
// supplied one, otherwise a plain mergo override-merge (later sources win).
func (c *config[T]) merge(dst, src map[string]any) error {
	if c.opts.merge != nil {
		return c.opts.merge(dst, src)
	}
	return mergo.Merge(&dst, src, mergo.WithOverride)
}

func (c *config[T]) Watch(key string, o Observer[T]) error {
	if c.observers[key] == nil {
		c.observers[key] = make([]Observer[T], 0, 8)
	}
	c.observers[key] = append(c.observers[key], o)
	return nil
}

func (c *config[T]) Close() error {
	c.stop <- struct{}{}
	close(c.stop)
	close(c.signal)

	return nil
}

func (c *config[T]) tick() {
	signal.Notify(c.signal, syscall.SIGHUP)

	for {
		select {
		case <-c.stop:
			return
		case <-c.signal:
			log.Debug("[config] received SIGHUP")
			c.reload()
		}
	}
}
