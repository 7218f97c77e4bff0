package httpcodec

import (
	"bufio"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/omalloc/migux/pkg/errors"
)

const maxStartLineBytes = 8 * 1024

// ReadRequest parses one request line and header block from br, strictly:
// method token, request-target, then exactly "HTTP/1.1". maxHeaderBytes
// bounds the header block only; exceeding it yields a 431.
//
// The returned Request's Body is unset — callers attach one with
// NewRequestBody once framing has been validated against any
// method/location-specific rules.
func ReadRequest(br *bufio.Reader, maxHeaderBytes int64) (*Request, error) {
	line, err := readLine(br, maxStartLineBytes)
	if err != nil {
		return nil, errors.BadRequest().WithCause(err)
	}

	method, target, proto, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	header, err := readHeaders(br, maxHeaderBytes)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:     method,
		Target:     target,
		Proto:      proto,
		Header:     header,
		RemoteAddr: "",
		Host:       header.Get("Host"),
	}
	req.Path, req.Query, _ = strings.Cut(target, "?")

	framing, contentLength, err := requestFraming(header)
	if err != nil {
		return nil, err
	}
	req.Framing = framing
	req.ContentLength = contentLength

	return req, nil
}

func parseRequestLine(line string) (method, target, proto string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", errors.BadRequest()
	}
	method, target, proto = parts[0], parts[1], parts[2]
	if !isToken(method) {
		return "", "", "", errors.BadRequest()
	}
	if target == "" {
		return "", "", "", errors.BadRequest()
	}
	if proto != "HTTP/1.1" {
		return "", "", "", errors.BadRequest()
	}
	return method, target, proto, nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// requestFraming determines a request's body framing mode from its headers.
// Content-Length and Transfer-Encoding: chunked are mutually exclusive; both
// present is rejected with 400.
func requestFraming(h http.Header) (Framing, int64, error) {
	te := h.Get("Transfer-Encoding")
	cl := h.Get("Content-Length")

	chunked := strings.EqualFold(te, "chunked")
	if chunked && cl != "" {
		return 0, 0, errors.BadRequest()
	}
	if chunked {
		return FramingChunked, 0, nil
	}
	if cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errors.BadRequest()
		}
		return FramingSized, n, nil
	}
	if te != "" {
		// Transfer-Encoding present but not chunked: unsupported coding.
		return 0, 0, errors.NotImplemented()
	}
	return FramingNone, 0, nil
}

// ReadResponse parses a status line and header block from an upstream
// connection. method is the request method that produced this response,
// needed to apply the HEAD-has-no-body rule.
func ReadResponse(br *bufio.Reader, maxHeaderBytes int64, method string) (*Response, error) {
	line, err := readLine(br, maxStartLineBytes)
	if err != nil {
		return nil, errors.BadGateway().WithCause(err)
	}

	proto, code, reason, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	header, err := readHeaders(br, maxHeaderBytes)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: code,
		Reason:     reason,
		Proto:      proto,
		Header:     header,
	}

	if method == "HEAD" || noBodyStatus(code) {
		resp.Framing = FramingNone
		return resp, nil
	}

	te := header.Get("Transfer-Encoding")
	cl := header.Get("Content-Length")
	switch {
	case strings.EqualFold(te, "chunked"):
		resp.Framing = FramingChunked
	case cl != "":
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, errors.BadGateway()
		}
		resp.Framing = FramingSized
		resp.ContentLength = n
	default:
		resp.Framing = FramingUntilClose
	}

	return resp, nil
}

func parseStatusLine(line string) (proto string, code int, reason string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errors.BadGateway()
	}
	code, cerr := strconv.Atoi(parts[1])
	if cerr != nil {
		return "", 0, "", errors.BadGateway()
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

// readLine reads one CRLF- or LF-terminated line, bounded by limit bytes.
func readLine(br *bufio.Reader, limit int64) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if int64(len(line)) > limit {
		return "", errors.HeaderTooLarge()
	}
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// readHeaders reads a CRLFCRLF-terminated header block into a
// case-insensitive multimap (http.Header). The values of a repeated field
// keep their wire order; the order of distinct field names is not kept.
// Obsolete line-folding (RFC 7230 §3.2.4) is rejected as malformed rather
// than accepted.
func readHeaders(br *bufio.Reader, maxBytes int64) (http.Header, error) {
	header := make(http.Header, 16)
	tp := textproto.NewReader(br)

	var total int64
	for {
		line, err := tp.ReadLineBytes()
		if err != nil {
			return nil, errors.BadRequest().WithCause(err)
		}
		total += int64(len(line)) + 2
		if total > maxBytes {
			return nil, errors.HeaderTooLarge()
		}
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, errors.BadRequest()
		}
		key, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return nil, errors.BadRequest()
		}
		key = textproto.TrimString(key)
		if !isToken(key) {
			return nil, errors.BadRequest()
		}
		value = textproto.TrimString(value)
		header.Add(key, value)
	}

	return header, nil
}
