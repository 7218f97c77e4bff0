package upstream_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/upstream"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln
}

// listenKeepOpen is like listen but holds every accepted connection open
// until the test ends, for cases that borrow a released connection back out
// of the pool and need it to still be live for the liveness probe.
func listenKeepOpen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
		}
	}()
	return ln
}

func TestAcquire_SkipsDownEndpointAfterFailThreshold(t *testing.T) {
	good := listen(t)

	view := &conf.UpstreamView{
		Addresses:      []string{"127.0.0.1:1", good.Addr().String()},
		Strategy:       "round_robin",
		FailThreshold:  1,
		Cooldown:       time.Hour,
		ConnectTimeout: 200 * time.Millisecond,
		PoolMaxPerAddr: 4,
	}
	pool := upstream.New(view)

	pc, addr, _, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.Addr().String(), addr)
	pool.Release(addr, pc, false)

	// second attempt: the dead endpoint must already be Down and skipped,
	// so this should land on the healthy endpoint again without delay.
	pc2, addr2, _, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.Addr().String(), addr2)
	pool.Release(addr2, pc2, false)
}

func TestAcquire_AllDownReturnsBadGateway(t *testing.T) {
	view := &conf.UpstreamView{
		Addresses:      []string{"127.0.0.1:1"},
		Strategy:       "single",
		FailThreshold:  1,
		Cooldown:       time.Hour,
		ConnectTimeout: 200 * time.Millisecond,
		PoolMaxPerAddr: 4,
	}
	pool := upstream.New(view)

	_, _, _, err := pool.Acquire(context.Background())
	require.Error(t, err)

	_, _, _, err = pool.Acquire(context.Background())
	require.Error(t, err, "second attempt should also fail, endpoint now Down")
}

func TestRelease_ReusedConnectionIsReturnedToPool(t *testing.T) {
	good := listenKeepOpen(t)
	view := &conf.UpstreamView{
		Addresses:      []string{good.Addr().String()},
		Strategy:       "single",
		FailThreshold:  3,
		Cooldown:       time.Second,
		ConnectTimeout: time.Second,
		PoolMaxPerAddr: 4,
	}
	pool := upstream.New(view)

	pc, addr, _, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(addr, pc, true)

	pc2, addr2, _, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)
	assert.Same(t, pc.Conn(), pc2.Conn(), "a released reusable connection should be borrowed again rather than re-dialed")
}

func TestAcquire_DiscardsDeadIdleConnectionAndDialsFresh(t *testing.T) {
	good := listen(t) // each accepted connection is closed by the peer right away
	view := &conf.UpstreamView{
		Addresses:      []string{good.Addr().String()},
		Strategy:       "single",
		FailThreshold:  3,
		Cooldown:       time.Second,
		ConnectTimeout: time.Second,
		PoolMaxPerAddr: 4,
	}
	pool := upstream.New(view)

	pc, addr, reused, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, reused)
	pool.Release(addr, pc, true)

	// give the peer's close a moment to reach this side so the liveness
	// probe at borrow time observes EOF rather than racing it.
	time.Sleep(50 * time.Millisecond)

	pc2, addr2, reused2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)
	assert.False(t, reused2, "a dead idle connection must be discarded and a fresh one dialed, not handed back as reused")
	assert.NotSame(t, pc.Conn(), pc2.Conn())
}
