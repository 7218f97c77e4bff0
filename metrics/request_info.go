package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/omalloc/migux/internal/constants"
)

type requestMetricKey struct{}

// RequestMetric carries the per-request facts the access log needs,
// threaded through a request's context.Context.
type RequestMetric struct {
	StartAt     time.Time
	RequestID   string
	Method      string
	Path        string
	StatusCode  int
	SentBytes   int64
	RemoteAddr  string
	CacheStatus string
	UpstreamVia string
}

// NewRequestMetric starts a RequestMetric for one request, deriving its
// request id from the client-supplied header if present.
func NewRequestMetric(header http.Header, remoteAddr string) *RequestMetric {
	return &RequestMetric{
		StartAt:    time.Now(),
		RequestID:  MustParseRequestID(header),
		RemoteAddr: remoteAddr,
	}
}

func (m *RequestMetric) Duration() time.Duration {
	return time.Since(m.StartAt)
}

func WithContext(ctx context.Context, m *RequestMetric) context.Context {
	return context.WithValue(ctx, requestMetricKey{}, m)
}

func FromContext(ctx context.Context) *RequestMetric {
	if v, ok := ctx.Value(requestMetricKey{}).(*RequestMetric); ok {
		return v
	}
	return &RequestMetric{}
}

// MustParseRequestID returns the client-supplied X-Request-Id, or mints a
// fresh uuid when absent.
func MustParseRequestID(h http.Header) string {
	if id := h.Get(constants.ProtocolRequestIDKey); id != "" {
		return id
	}
	return uuid.NewString()
}
