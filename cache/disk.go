package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fxamacker/cbor/v2"
)

// diskTier is the on-disk half of the two-tier cache. Each entry is a
// `<hash>.cache` body file and a `<hash>.meta` sidecar, written
// temp-then-rename so readers never observe a partial file. A pebble
// key-value index, keyed by the same hash, mirrors the `.meta` content so a
// fresh-check doesn't need to open and cbor-decode a file on every lookup;
// the `.meta` file remains the authoritative, externally-visible record.
//
// paths is an in-process, best-effort hash->source-path reverse map so the
// admin purge endpoint can evict every entry under a directory prefix
// without reverse-hashing; it only knows about entries this process has
// stored or loaded, not ones written by a sibling process before restart.
type diskTier struct {
	dir   string
	index *pebble.DB
	paths sync.Map // key (hash) -> absolute source path
}

func newDiskTier(dir string) (*diskTier, error) {
	if dir == "" {
		return &diskTier{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(dir, "index"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cache: open index: %w", err)
	}
	return &diskTier{dir: dir, index: db}, nil
}

func (d *diskTier) close() error {
	if d.index == nil {
		return nil
	}
	return d.index.Close()
}

func (d *diskTier) enabled() bool { return d.dir != "" }

// HashKey derives the cache key from the canonicalized absolute file path
// reached after joining the location root and request path.
func HashKey(absPath string) string {
	sum := sha1.Sum([]byte(absPath))
	return hex.EncodeToString(sum[:])
}

func (d *diskTier) bodyPath(key string) string { return filepath.Join(d.dir, key+".cache") }
func (d *diskTier) metaPath(key string) string { return filepath.Join(d.dir, key+".meta") }

func (d *diskTier) load(key string) (*Meta, error) {
	if d.index != nil {
		if v, closer, err := d.index.Get([]byte(key)); err == nil {
			var m Meta
			decErr := cbor.Unmarshal(v, &m)
			_ = closer.Close()
			if decErr == nil {
				if m.SourcePath != "" {
					d.paths.Store(key, m.SourcePath)
				}
				return &m, nil
			}
		}
	}

	data, err := os.ReadFile(d.metaPath(key))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.SourcePath != "" {
		d.paths.Store(key, m.SourcePath)
	}
	return &m, nil
}

func (d *diskTier) loadBody(key string) ([]byte, error) {
	return os.ReadFile(d.bodyPath(key))
}

// store writes the body and meta files atomically (write to a temp path in
// the same directory, then rename) and refreshes the pebble index.
func (d *diskTier) store(key string, meta *Meta, body []byte) error {
	if !d.enabled() {
		return nil
	}

	if err := writeAtomic(d.bodyPath(key), body); err != nil {
		return fmt.Errorf("cache: write body: %w", err)
	}

	return d.storeMeta(key, meta)
}

// storeMeta rewrites only the `.meta` sidecar and pebble index entry for
// key, leaving the existing `.cache` body file untouched. Used by the lazy
// TTL-extension path, which has nothing new to write for the body.
func (d *diskTier) storeMeta(key string, meta *Meta) error {
	if !d.enabled() {
		return nil
	}
	if meta.SourcePath != "" {
		d.paths.Store(key, meta.SourcePath)
	}

	// RFC 3339 with nanoseconds keeps SourceMtime exact across the round
	// trip; the default cbor time encoding keeps whole seconds only, and a
	// truncated mtime would never match the file's own on the next Lookup.
	encMode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return fmt.Errorf("cache: encode meta: %w", err)
	}
	encoded, err := encMode.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache: encode meta: %w", err)
	}
	if err := writeAtomic(d.metaPath(key), encoded); err != nil {
		return fmt.Errorf("cache: write meta: %w", err)
	}

	if d.index != nil {
		if err := d.index.Set([]byte(key), encoded, pebble.Sync); err != nil {
			return fmt.Errorf("cache: index set: %w", err)
		}
	}

	return nil
}

func (d *diskTier) remove(key string) {
	if !d.enabled() {
		return
	}
	_ = os.Remove(d.bodyPath(key))
	_ = os.Remove(d.metaPath(key))
	if d.index != nil {
		_ = d.index.Delete([]byte(key), pebble.Sync)
	}
	d.paths.Delete(key)
}

// keysUnderPrefix returns every known key whose recorded source path starts
// with prefix, for the admin purge-by-prefix endpoint. Best-effort: only
// covers paths this process has stored or loaded since it started.
func (d *diskTier) keysUnderPrefix(prefix string) []string {
	var keys []string
	d.paths.Range(func(k, v any) bool {
		if strings.HasPrefix(v.(string), prefix) {
			keys = append(keys, k.(string))
		}
		return true
	})
	return keys
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
