// Package httpcodec implements the HTTP/1.1 wire format by hand: request-line
// and header parsing, the three body framing modes (sized, chunked with
// trailers, EOF-delimited), and response serialization. It deliberately does
// not use net/http's Server, Client, Request, or Transport — only the
// net/http.Header map type, which is just a case-insensitive multimap and
// carries no connection machinery with it.
package httpcodec

import (
	"io"
	"net/http"
)

// Framing identifies how a message body's length is delimited on the wire.
type Framing int

const (
	// FramingNone means the message carries no body (HEAD response, 204,
	// 304, 1xx, or a request with neither Content-Length nor
	// Transfer-Encoding).
	FramingNone Framing = iota
	// FramingSized means the body is exactly ContentLength bytes.
	FramingSized
	// FramingChunked means the body is encoded as chunked transfer coding.
	FramingChunked
	// FramingUntilClose means the body runs until the connection closes.
	// Only valid for responses; a request may never use it.
	FramingUntilClose
)

// Request is one parsed HTTP/1.1 request line, header block, and body.
type Request struct {
	Method  string
	Target  string // raw request-target as sent on the wire
	Path    string // Target with the query string removed
	Query   string
	Proto   string
	Header  http.Header

	Framing       Framing
	ContentLength int64 // valid when Framing == FramingSized

	Body io.ReadCloser

	RemoteAddr string
	Host       string // Header.Get("Host"), extracted for convenience
}

// Response is one HTTP/1.1 status line, header block, and body, either
// parsed from an upstream or constructed locally to send to a client.
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Header     http.Header
	Trailer    http.Header

	Framing       Framing
	ContentLength int64 // valid when Framing == FramingSized

	Body io.ReadCloser
}

// noBodyStatus reports whether a response of this status code never carries
// a body regardless of its framing headers (RFC 9110 §6.4.1).
func noBodyStatus(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 304
}
