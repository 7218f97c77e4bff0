// Package errors carries the request-lifecycle error kinds used to map a
// failure onto its canonical status response.
package errors

import (
	"fmt"
	"net/http"
)

// Kind groups status codes by where the failure originates, so callers can
// branch on origin rather than re-deriving it from the numeric code.
type Kind int

const (
	KindUnknown Kind = iota
	KindClientProtocol
	KindRouting
	KindUpstream
	KindServer
)

type Error struct {
	Code    int
	Kind    Kind
	Headers http.Header
	cause   error
}

func New(code int, kind Kind, headers http.Header) *Error {
	return &Error{
		Code:    code,
		Kind:    kind,
		Headers: headers,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("error: code = %d kind = %d headers = %v cause = %v", e.Code, e.Kind, e.Headers, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Client-protocol errors.
func BadRequest() *Error { return New(http.StatusBadRequest, KindClientProtocol, nil) }
func MethodNotAllowed(allow string) *Error {
	h := http.Header{}
	if allow != "" {
		h.Set("Allow", allow)
	}
	return New(http.StatusMethodNotAllowed, KindClientProtocol, h)
}
func RequestTimeout() *Error   { return New(http.StatusRequestTimeout, KindClientProtocol, nil) }
func LengthRequired() *Error   { return New(http.StatusLengthRequired, KindClientProtocol, nil) }
func PayloadTooLarge() *Error  { return New(http.StatusRequestEntityTooLarge, KindClientProtocol, nil) }
func HeaderTooLarge() *Error   { return New(http.StatusRequestHeaderFieldsTooLarge, KindClientProtocol, nil) }
func NotImplemented() *Error   { return New(http.StatusNotImplemented, KindClientProtocol, nil) }

// Routing/resource errors.
func NotFound() *Error { return New(http.StatusNotFound, KindRouting, nil) }

// Upstream errors.
func BadGateway() *Error        { return New(http.StatusBadGateway, KindUpstream, nil) }
func GatewayTimeout() *Error    { return New(http.StatusBadGateway, KindUpstream, nil) } // upstream timeouts map to 502, not 504
func ServiceUnavailable() *Error { return New(http.StatusBadGateway, KindUpstream, nil) }

// Server errors.
func Internal() *Error { return New(http.StatusInternalServerError, KindServer, nil) }

// As recovers an *Error from err, if any.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
