// Package file is a config.Source that reads a single file from disk and,
// when watched, reports subsequent changes using fsnotify in addition to
// the SIGHUP-triggered reload already supported by contrib/config.
package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/omalloc/migux/contrib/config"
)

type source struct {
	path string
}

// NewSource returns a config.Source that loads path as a single KeyValue
// whose Format is derived from the file extension.
func NewSource(path string) config.Source {
	return &source{path: path}
}

func (s *source) Load() ([]*config.KeyValue, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return []*config.KeyValue{
		{
			Key:    filepath.Base(s.path),
			Value:  data,
			Format: format(s.path),
		},
	}, nil
}

func (s *source) Watch() (config.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &watcher{source: s, fsw: w}, nil
}

func format(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "yaml", "yml":
		return "yaml"
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

type watcher struct {
	source *source
	fsw    *fsnotify.Watcher
}

func (w *watcher) Next() ([]*config.KeyValue, error) {
	name := filepath.Base(w.source.path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil, nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			return w.source.Load()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil, nil
			}
			return nil, err
		}
	}
}

func (w *watcher) Stop() error {
	return w.fsw.Close()
}
