package cache_test

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/migux/cache"
	"github.com/omalloc/migux/conf"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	view := &conf.CacheView{
		Dir:              filepath.Join(t.TempDir(), "cache"),
		TTL:              time.Minute,
		MaxObjectBytes:   1 << 20,
		MaxMemoryEntries: 128,
	}
	c, err := cache.New(view)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetOrBuild_MissThenHit(t *testing.T) {
	c := newTestCache(t)
	mtime := time.Now()
	var builds int32

	build := func() (*cache.Meta, []byte, error) {
		atomic.AddInt32(&builds, 1)
		return &cache.Meta{ETag: `"v1"`, ContentType: "text/plain", Size: 2, SourceMtime: mtime}, []byte("hi"), nil
	}

	meta, body, err := c.GetOrBuild("/srv/www/index.html", mtime, build)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, meta.ETag)
	assert.Equal(t, "hi", string(body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))

	meta2, body2, err := c.GetOrBuild("/srv/www/index.html", mtime, build)
	require.NoError(t, err)
	assert.Equal(t, meta.ETag, meta2.ETag)
	assert.Equal(t, "hi", string(body2))
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds), "second call must be served from cache, not rebuilt")
}

func TestGetOrBuild_MtimeChangeInvalidates(t *testing.T) {
	c := newTestCache(t)
	t1 := time.Now()
	t2 := t1.Add(time.Hour)

	_, _, err := c.GetOrBuild("/srv/www/a.txt", t1, func() (*cache.Meta, []byte, error) {
		return &cache.Meta{ETag: `"old"`, SourceMtime: t1}, []byte("old"), nil
	})
	require.NoError(t, err)

	meta, body, err := c.GetOrBuild("/srv/www/a.txt", t2, func() (*cache.Meta, []byte, error) {
		return &cache.Meta{ETag: `"new"`, SourceMtime: t2}, []byte("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, `"new"`, meta.ETag)
	assert.Equal(t, "new", string(body))
}

func TestGetOrBuild_SingleFlightCoalescesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	mtime := time.Now()
	var builds int32
	const n = 20

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, body, err := c.GetOrBuild("/srv/www/shared.txt", mtime, func() (*cache.Meta, []byte, error) {
				atomic.AddInt32(&builds, 1)
				time.Sleep(5 * time.Millisecond)
				return &cache.Meta{ETag: `"shared"`, SourceMtime: mtime}, []byte("shared"), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(body))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&builds), int32(1), "at most one build should run per key under concurrency")
}

func TestPurgePrefix_EvictsEveryEntryUnderDirectory(t *testing.T) {
	c := newTestCache(t)
	mtime := time.Now()

	build := func(tag string) func() (*cache.Meta, []byte, error) {
		return func() (*cache.Meta, []byte, error) {
			return &cache.Meta{ETag: tag, SourceMtime: mtime}, []byte(tag), nil
		}
	}

	_, _, err := c.GetOrBuild("/srv/www/assets/a.css", mtime, build(`"a"`))
	require.NoError(t, err)
	_, _, err = c.GetOrBuild("/srv/www/assets/b.css", mtime, build(`"b"`))
	require.NoError(t, err)
	_, _, err = c.GetOrBuild("/srv/www/index.html", mtime, build(`"idx"`))
	require.NoError(t, err)

	n := c.PurgePrefix("/srv/www/assets/")
	assert.Equal(t, 2, n)

	var builds int32
	_, _, err = c.GetOrBuild("/srv/www/assets/a.css", mtime, func() (*cache.Meta, []byte, error) {
		atomic.AddInt32(&builds, 1)
		return &cache.Meta{ETag: `"a2"`, SourceMtime: mtime}, []byte("a2"), nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds), "purged entry must be rebuilt, not served stale")

	meta, _, ok := c.Lookup("/srv/www/index.html", mtime)
	require.True(t, ok, "entry outside the purged prefix survives")
	assert.Equal(t, `"idx"`, meta.ETag)
}

func TestHashKey_Deterministic(t *testing.T) {
	a := cache.HashKey("/srv/www/index.html")
	b := cache.HashKey("/srv/www/index.html")
	c := cache.HashKey("/srv/www/other.html")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
