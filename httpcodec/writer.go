package httpcodec

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"

	xhttp "github.com/omalloc/migux/pkg/x/http"
)

// WriteRequestHead serializes a request line and header block to w. Header
// must already have hop-by-hop fields removed and the correct framing
// header (Content-Length or Transfer-Encoding) set by the caller.
func WriteRequestHead(w *bufio.Writer, req *Request) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", req.Method, req.Target, req.Proto); err != nil {
		return err
	}
	return writeHeaderBlock(w, req.Header)
}

// WriteResponseHead serializes a status line and header block to w in a
// deterministic order: Date, Server, then the relayed headers minus
// hop-by-hop, then the framing header, then the blank line.
// resp.Header must not itself contain Date, Server, Content-Length, or
// Transfer-Encoding — those are emitted explicitly from resp's fields.
func WriteResponseHead(w *bufio.Writer, resp *Response, date, server string) error {
	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, reason); err != nil {
		return err
	}
	if date != "" {
		if err := writeHeaderLine(w, "Date", date); err != nil {
			return err
		}
	}
	if server != "" {
		if err := writeHeaderLine(w, "Server", server); err != nil {
			return err
		}
	}
	if err := writeHeaderBlock(w, resp.Header); err != nil {
		return err
	}
	switch resp.Framing {
	case FramingSized:
		if err := writeHeaderLine(w, "Content-Length", strconv.FormatInt(resp.ContentLength, 10)); err != nil {
			return err
		}
	case FramingChunked:
		if err := writeHeaderLine(w, "Transfer-Encoding", "chunked"); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

func writeHeaderBlock(w *bufio.Writer, h http.Header) error {
	for k, vv := range h {
		for _, v := range vv {
			if err := writeHeaderLine(w, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeHeaderLine(w *bufio.Writer, key, value string) error {
	if _, err := w.WriteString(key); err != nil {
		return err
	}
	if _, err := w.WriteString(": "); err != nil {
		return err
	}
	if _, err := w.WriteString(value); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

const copyBufferSize = 32 * 1024

// CopyBody streams src to dst according to framing. FramingNone copies
// nothing. FramingSized and FramingUntilClose are a direct byte-for-byte
// copy (any Content-Length header was already written by the caller);
// FramingChunked re-encodes src's bytes
// as a new chunked stream, preserving the framing mode without requiring
// src's own chunk boundaries to be known or rebuffered.
func CopyBody(dst io.Writer, src io.Reader, framing Framing) (int64, error) {
	switch framing {
	case FramingNone:
		return 0, nil
	case FramingChunked:
		return copyChunked(dst, src)
	default:
		return io.Copy(dst, src)
	}
}

func copyChunked(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := fmt.Fprintf(dst, "%x\r\n", n); err != nil {
				return total, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, err
			}
			if _, err := io.WriteString(dst, "\r\n"); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				_, err := io.WriteString(dst, "0\r\n\r\n")
				return total, err
			}
			return total, rerr
		}
	}
}

// PrepareRelayHeader copies src's headers into a fresh http.Header with
// hop-by-hop fields stripped, ready to be sent onward by a proxy or
// written back to a client.
func PrepareRelayHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	xhttp.CopyHeader(dst, src)
	xhttp.RemoveHopByHopHeaders(dst)
	dst.Del("Content-Length")
	dst.Del("Transfer-Encoding")
	return dst
}
