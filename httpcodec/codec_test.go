package httpcodec_test

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/migux/httpcodec"
	"github.com/omalloc/migux/pkg/errors"
)

func TestReadRequest_SizedBodyRoundTrip(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nHost: localhost\r\nContent-Length: 5\r\n\r\nhello"
	br := bufio.NewReader(strings.NewReader(raw))

	req, err := httpcodec.ReadRequest(br, 64*1024)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/echo", req.Path)
	assert.Equal(t, httpcodec.FramingSized, req.Framing)
	assert.EqualValues(t, 5, req.ContentLength)

	body := httpcodec.NewRequestBody(req, br)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadRequest_ChunkedBodyRoundTrip(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nHost: localhost\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	req, err := httpcodec.ReadRequest(br, 64*1024)
	require.NoError(t, err)
	assert.Equal(t, httpcodec.FramingChunked, req.Framing)

	body := httpcodec.NewRequestBody(req, br)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadRequest_ChunkedWithTrailer(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nHost: localhost\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n0\r\nX-Checksum: deadbeef\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	req, err := httpcodec.ReadRequest(br, 64*1024)
	require.NoError(t, err)

	body := httpcodec.NewRequestBody(req, br)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	require.NoError(t, body.Close())
}

func TestReadRequest_ContentLengthAndChunkedBothPresentRejected(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nHost: localhost\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
	br := bufio.NewReader(strings.NewReader(raw))

	_, err := httpcodec.ReadRequest(br, 64*1024)
	require.Error(t, err)
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, e.Code)
}

func TestReadRequest_HeadersExceedingLimitReject431(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: localhost\r\nX-Big: " + strings.Repeat("a", 1024) + "\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	_, err := httpcodec.ReadRequest(br, 32)
	require.Error(t, err)
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, e.Code)
}

func TestReadResponse_NoBodyStatusesHaveEmptyBody(t *testing.T) {
	for _, status := range []string{"204 No Content", "304 Not Modified"} {
		raw := "HTTP/1.1 " + status + "\r\nContent-Length: 10\r\n\r\n"
		br := bufio.NewReader(strings.NewReader(raw))

		resp, err := httpcodec.ReadResponse(br, 64*1024, "GET")
		require.NoError(t, err)
		assert.Equal(t, httpcodec.FramingNone, resp.Framing)

		body := httpcodec.NewResponseBody(resp, br)
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Empty(t, data)
	}
}

func TestReadResponse_HeadRequestHasEmptyBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nhi\n"
	br := bufio.NewReader(strings.NewReader(raw))

	resp, err := httpcodec.ReadResponse(br, 64*1024, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, httpcodec.FramingNone, resp.Framing)
}

func TestWriteResponseHead_DeterministicOrder(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	resp := &httpcodec.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Framing:    httpcodec.FramingSized,
		ContentLength: 3,
	}
	require.NoError(t, httpcodec.WriteResponseHead(w, resp, "Tue, 01 Jan 2030 00:00:00 GMT", "migux"))
	require.NoError(t, w.Flush())

	lines := strings.Split(buf.String(), "\r\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "HTTP/1.1 200 OK", lines[0])
	assert.Equal(t, "Date: Tue, 01 Jan 2030 00:00:00 GMT", lines[1])
	assert.Equal(t, "Server: migux", lines[2])
	assert.Contains(t, buf.String(), "Content-Length: 3\r\n")
}

func TestCopyBody_ChunkedPreservesBytes(t *testing.T) {
	var buf bytes.Buffer
	src := strings.NewReader("hello world")

	n, err := httpcodec.CopyBody(&buf, src, httpcodec.FramingChunked)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.Equal(t, "b\r\nhello world\r\n0\r\n\r\n", buf.String())
}

func TestPrepareRelayHeader_StripsHopByHop(t *testing.T) {
	src := http.Header{
		"Connection":      {"keep-alive"},
		"Content-Type":    {"text/plain"},
		"Transfer-Encoding": {"chunked"},
	}
	dst := httpcodec.PrepareRelayHeader(src)
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Equal(t, "text/plain", dst.Get("Content-Type"))
}
