package worker

import (
	"bytes"
	"io"
	"net/http"

	"github.com/omalloc/migux/httpcodec"
	xerrors "github.com/omalloc/migux/pkg/errors"
)

// canonicalResponse implements the worker loop's error-propagation policy:
// a handler's *xerrors.Error becomes a pre-baked status+body template,
// never the handler's own framing. Any other error is treated as 500.
func canonicalResponse(err error) *httpcodec.Response {
	e, ok := xerrors.As(err)
	code := http.StatusInternalServerError
	var header http.Header
	if ok {
		code = e.Code
		header = e.Headers
	}
	return statusResponse(code, header)
}

func statusResponse(code int, header http.Header) *httpcodec.Response {
	body := []byte(http.StatusText(code))
	if len(body) == 0 {
		body = []byte("error")
	}

	h := http.Header{}
	for k, vs := range header {
		h[k] = vs
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")

	return &httpcodec.Response{
		StatusCode:    code,
		Reason:        http.StatusText(code),
		Proto:         "HTTP/1.1",
		Header:        h,
		Framing:       httpcodec.FramingSized,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
}
