package cache

import (
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omalloc/migux/conf"
)

// Cache is a two-tier (memory + disk) static object cache: a bounded
// in-memory map in front of content-addressed files under cache_dir,
// coalesced through a singleflight group so concurrent misses for the
// same key produce at most one file read and one cache write.
type Cache struct {
	mem *memoryTier
	dsk *diskTier

	ttl            time.Duration
	maxObjectBytes int64

	flight singleflight.Group
}

// BuildFunc produces the meta and body for a cache miss (normally: stat and
// read the source file). It is invoked at most once per key among any
// concurrently-waiting callers.
type BuildFunc func() (*Meta, []byte, error)

func New(view *conf.CacheView) (*Cache, error) {
	dsk, err := newDiskTier(view.Dir)
	if err != nil {
		return nil, err
	}
	return &Cache{
		mem:            newMemoryTier(view.MaxMemoryEntries),
		dsk:            dsk,
		ttl:            view.TTL,
		maxObjectBytes: view.MaxObjectBytes,
	}, nil
}

func (c *Cache) Close() error {
	return c.dsk.close()
}

// ForWorker returns a sibling Cache for one worker goroutine group: its
// own memory tier and its own single-flight coalescing group, sharing this
// Cache's disk tier. Disk writes across worker siblings are resolved by
// last-rename-wins, which is acceptable because `.cache`/`.meta` content is
// derived entirely from the source file, never from which worker produced
// it.
func (c *Cache) ForWorker() *Cache {
	return &Cache{
		mem:            newMemoryTier(c.mem.max),
		dsk:            c.dsk,
		ttl:            c.ttl,
		maxObjectBytes: c.maxObjectBytes,
	}
}

// Lookup returns a fresh, cached (meta, body) for absPath if one exists and
// its SourceMtime still matches the file's current mtime. A match past TTL
// is revalidated lazily: since the caller already re-stat'd the source to
// obtain sourceMtime, an unchanged mtime extends the TTL in place; a changed
// mtime is reported as a miss so the caller rebuilds.
func (c *Cache) Lookup(absPath string, sourceMtime time.Time) (*Meta, []byte, bool) {
	key := HashKey(absPath)

	if meta, body, ok := c.mem.get(key); ok {
		if !meta.SourceMtime.Equal(sourceMtime) {
			c.evict(key)
			return nil, nil, false
		}
		c.touch(key, &meta)
		return &meta, body, true
	}

	if !c.dsk.enabled() {
		return nil, nil, false
	}

	meta, err := c.dsk.load(key)
	if err != nil {
		return nil, nil, false
	}
	if !meta.SourceMtime.Equal(sourceMtime) {
		c.dsk.remove(key)
		return nil, nil, false
	}

	body, err := c.dsk.loadBody(key)
	if err != nil {
		c.dsk.remove(key)
		return nil, nil, false
	}

	c.touch(key, meta)
	if int64(len(body)) <= c.maxObjectBytes {
		c.mem.put(key, *meta, body)
	}
	return meta, body, true
}

func (c *Cache) touch(key string, meta *Meta) {
	if meta.fresh(c.ttl, time.Now()) {
		return
	}
	meta.CreatedAt = time.Now()
	if _, body, ok := c.mem.get(key); ok {
		c.mem.put(key, *meta, body)
	}
	if c.dsk.enabled() {
		_ = c.dsk.storeMeta(key, meta) // refresh meta only; body file is untouched
	}
}

func (c *Cache) evict(key string) {
	c.mem.delete(key)
	c.dsk.remove(key)
}

// Purge evicts the cache entry for an absolute resolved path, invoked from
// the /purge admin endpoint. Only the tier(s) belonging to this Cache
// instance are touched directly; since disk removal is a plain os.Remove,
// siblings returned by ForWorker observe the purge on their next Lookup
// miss even though their own memory tier keeps its copy until then.
func (c *Cache) Purge(absPath string) {
	c.evict(HashKey(absPath))
}

// PurgePrefix evicts every entry whose resolved source path starts with
// prefix, for the admin purge-by-directory endpoint. It only reaches
// entries this process's disk tier has recorded a source path for (see
// diskTier.keysUnderPrefix); it returns the number of entries evicted.
func (c *Cache) PurgePrefix(prefix string) int {
	keys := c.dsk.keysUnderPrefix(prefix)
	for _, key := range keys {
		c.evict(key)
	}
	return len(keys)
}

// GetOrBuild returns the cached entry for absPath if fresh, otherwise calls
// build exactly once per key even under concurrent callers, stores the
// result, and returns it.
func (c *Cache) GetOrBuild(absPath string, sourceMtime time.Time, build BuildFunc) (*Meta, []byte, error) {
	if meta, body, ok := c.Lookup(absPath, sourceMtime); ok {
		return meta, body, nil
	}

	key := HashKey(absPath)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		// A flight for this key may have finished between the Lookup above
		// and this call; its stored result is served instead of rebuilding.
		if meta, body, ok := c.Lookup(absPath, sourceMtime); ok {
			return buildResult{meta, body}, nil
		}
		meta, body, err := build()
		if err != nil {
			return nil, err
		}
		if meta.SourceMtime.IsZero() {
			meta.SourceMtime = sourceMtime
		}
		meta.SourcePath = absPath
		meta.CreatedAt = time.Now()

		if err := c.dsk.store(key, meta, body); err != nil {
			// Disk write failure still serves the origin bytes; the
			// attempt is simply abandoned.
			return buildResult{meta, body}, nil
		}
		if int64(len(body)) <= c.maxObjectBytes {
			c.mem.put(key, *meta, body)
		}
		return buildResult{meta, body}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cache: build %s: %w", absPath, err)
	}

	r := v.(buildResult)
	return r.meta, r.body, nil
}

type buildResult struct {
	meta *Meta
	body []byte
}
