package worker_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/contrib/log"
	"github.com/omalloc/migux/worker"
)

func testView(t *testing.T, listen, root string) *conf.View {
	t.Helper()
	bc := &conf.Bootstrap{
		Server: []*conf.Server{{
			Listen:            listen,
			Root:              root,
			WorkerProcesses:   2,
			WorkerConnections: 64,
			Location: []*conf.Location{
				{Path: "/", Kind: "static"},
			},
		}},
	}
	v, err := conf.Resolve(bc)
	require.NoError(t, err)
	return v
}

func startListener(t *testing.T, view *conf.View) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w := worker.New(view, view.Servers[0], nil, log.GetLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	return ln.Addr()
}

// dialAndExchange opens one connection and sends raw HTTP/1.1 requests over
// it, returning each parsed response in turn, exercising the keep-alive
// loop's connection-reuse path.
func dialAndExchange(t *testing.T, addr net.Addr, requests ...string) []*http.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	br := bufio.NewReader(conn)
	var out []*http.Response
	for _, raw := range requests {
		_, err := conn.Write([]byte(raw))
		require.NoError(t, err)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		out = append(out, resp)
	}
	return out
}

func TestServe_StaticFileOverKeepAliveConnection(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644))

	view := testView(t, "127.0.0.1:0", root)
	addr := startListener(t, view)

	resps := dialAndExchange(t, addr,
		"GET /hello.txt HTTP/1.1\r\nHost: localhost\r\n\r\n",
		"GET /hello.txt HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n",
	)

	require.Len(t, resps, 2)
	assert.Equal(t, http.StatusOK, resps[0].StatusCode)
	assert.Equal(t, "keep-alive", resps[0].Header.Get("Connection"))
	assert.Equal(t, http.StatusOK, resps[1].StatusCode)
	assert.Equal(t, "close", resps[1].Header.Get("Connection"))
}

func TestServe_MissingFileIsCanonical404(t *testing.T) {
	root := t.TempDir()
	view := testView(t, "127.0.0.1:0", root)
	addr := startListener(t, view)

	resps := dialAndExchange(t, addr, "GET /nope.txt HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")
	require.Len(t, resps, 1)
	assert.Equal(t, http.StatusNotFound, resps[0].StatusCode)
}

func TestServe_HeadRequestHasNoBody(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("payload"), 0o644))

	view := testView(t, "127.0.0.1:0", root)
	addr := startListener(t, view)

	resps := dialAndExchange(t, addr, "HEAD /f.txt HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")
	require.Len(t, resps, 1)
	assert.Equal(t, http.StatusOK, resps[0].StatusCode)
	assert.Equal(t, "7", resps[0].Header.Get("Content-Length"))

	body := make([]byte, 1)
	n, _ := resps[0].Body.Read(body)
	assert.Equal(t, 0, n)
}
