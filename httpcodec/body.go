package httpcodec

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/omalloc/migux/pkg/errors"
)

const maxChunkSizeLineBytes = 256

// defaultMaxTrailerBytes bounds trailer header blocks with a conservative
// constant, independent of the (often much larger) body size limit.
const defaultMaxTrailerBytes = 16 * 1024

// NewRequestBody attaches a pull-style body reader to req based on its
// already-determined Framing, reading from br (the connection's buffered
// reader). A FramingNone request gets an empty, already-EOF body.
func NewRequestBody(req *Request, br *bufio.Reader) io.ReadCloser {
	switch req.Framing {
	case FramingChunked:
		return &chunkedBodyReader{br: br}
	case FramingSized:
		return &sizedBodyReader{br: br, remaining: req.ContentLength}
	default:
		return emptyBody{}
	}
}

// NewResponseBody attaches a pull-style body reader to resp based on its
// already-determined Framing. FramingUntilClose reads until br returns EOF,
// which happens when the underlying connection is closed by the peer;
// callers must not reuse that connection afterward.
func NewResponseBody(resp *Response, br *bufio.Reader) io.ReadCloser {
	switch resp.Framing {
	case FramingChunked:
		return &chunkedBodyReader{br: br}
	case FramingSized:
		return &sizedBodyReader{br: br, remaining: resp.ContentLength}
	case FramingUntilClose:
		return io.NopCloser(br)
	default:
		return emptyBody{}
	}
}

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

// sizedBodyReader reads exactly `remaining` bytes of a Content-Length-framed
// body, then reports io.EOF. Close drains any unread bytes so the underlying
// connection stays on a message boundary and can be reused for keep-alive.
type sizedBodyReader struct {
	br        *bufio.Reader
	remaining int64
}

func (r *sizedBodyReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.br.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF && r.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *sizedBodyReader) Close() error {
	if r.remaining <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r.br, r.remaining)
	r.remaining = 0
	return err
}

// chunkedBodyReader decodes chunked transfer coding: a sequence of
// hex-size CRLF, chunk-data CRLF blocks terminated by a zero-size chunk,
// followed by an (optionally empty) trailer header block. Trailers are
// parsed and retained on Trailer but are collected and ignored by default,
// not surfaced to handlers.
type chunkedBodyReader struct {
	br        *bufio.Reader
	remaining int64
	done      bool
	pendingCR bool // true once a chunk's data has been fully read and its trailing CRLF is still pending
	Trailer   http.Header
}

func (r *chunkedBodyReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.remaining == 0 && !r.pendingCR {
		if err := r.nextChunk(); err != nil {
			return 0, err
		}
		if r.done {
			if err := r.readTrailer(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}
	if r.pendingCR {
		if err := readChunkCRLF(r.br); err != nil {
			return 0, errors.BadRequest().WithCause(err)
		}
		r.pendingCR = false
		if r.remaining == 0 {
			return r.Read(p)
		}
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.br.Read(p)
	r.remaining -= int64(n)
	if r.remaining == 0 {
		r.pendingCR = true
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (r *chunkedBodyReader) nextChunk() error {
	line, err := readLine(r.br, maxChunkSizeLineBytes)
	if err != nil {
		return errors.BadRequest().WithCause(err)
	}
	sizeStr := line
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		sizeStr = line[:idx]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return errors.BadRequest()
	}
	if size == 0 {
		r.done = true
		return nil
	}
	r.remaining = size
	return nil
}

func (r *chunkedBodyReader) readTrailer() error {
	h, err := readHeaders(r.br, defaultMaxTrailerBytes)
	if err != nil {
		return err
	}
	r.Trailer = h
	return nil
}

func (r *chunkedBodyReader) Close() error {
	buf := make([]byte, 4096)
	for !r.done {
		if _, err := r.Read(buf); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// readChunkCRLF consumes the two-byte CRLF that terminates every chunk's
// data, rejecting anything else as malformed framing.
func readChunkCRLF(br *bufio.Reader) error {
	var crlf [2]byte
	if _, err := io.ReadFull(br, crlf[:]); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return errors.BadRequest()
	}
	return nil
}
