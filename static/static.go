// Package static resolves a location's filesystem root against a request
// path, handles conditional GET via ETag, and integrates the two-tier
// cache in package cache.
package static

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/omalloc/migux/cache"
	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/httpcodec"
	"github.com/omalloc/migux/metrics"
	"github.com/omalloc/migux/pkg/errors"
)

// Handler serves one location's static root, optionally backed by a shared
// Cache instance.
type Handler struct {
	Cache *cache.Cache
}

// Serve resolves the path, checks for a conditional match, then serves the
// file body, straight from disk or through the cache.
func (h *Handler) Serve(req *httpcodec.Request, loc *conf.LocationView) (*httpcodec.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, errors.MethodNotAllowed("GET, HEAD")
	}

	absPath, err := resolvePath(loc.Root, loc.Index, req.Path)
	if err != nil {
		return nil, errors.NotFound()
	}

	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		return nil, errors.NotFound()
	}

	etag := computeETag(info)
	lastModified := info.ModTime().UTC().Format(http.TimeFormat)

	if notModified(req.Header.Get("If-None-Match"), etag) {
		return notModifiedResponse(etag, lastModified), nil
	}

	contentType := contentTypeFor(absPath)

	var body []byte
	cacheStatus := "BYPASS"
	if loc.CacheEnabled && h.Cache != nil {
		if meta, cached, ok := h.Cache.Lookup(absPath, info.ModTime()); ok {
			body, etag, contentType, cacheStatus = cached, meta.ETag, meta.ContentType, "HIT"
		} else {
			meta, built, err := h.Cache.GetOrBuild(absPath, info.ModTime(), func() (*cache.Meta, []byte, error) {
				data, err := os.ReadFile(absPath)
				if err != nil {
					return nil, nil, err
				}
				return &cache.Meta{
					ETag:        etag,
					ContentType: contentType,
					Size:        int64(len(data)),
				}, data, nil
			})
			cacheStatus = "MISS"
			if err == nil {
				body, etag, contentType = built, meta.ETag, meta.ContentType
			}
		}
	}
	if body == nil {
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, errors.NotFound()
		}
		body = data
	}

	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("ETag", etag)
	header.Set("Last-Modified", lastModified)
	header.Set("X-Cache", cacheStatus)
	metrics.CacheResultTotal.WithLabelValues(strings.ToLower(cacheStatus)).Inc()

	resp := &httpcodec.Response{
		StatusCode:    http.StatusOK,
		Header:        header,
		Framing:       httpcodec.FramingSized,
		ContentLength: int64(len(body)),
	}
	if req.Method == http.MethodHead {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
	} else {
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}

// resolvePath joins root and the request path, appending index for
// directory targets, and rejects any result that escapes root after `..`
// normalization.
func resolvePath(root, index, reqPath string) (string, error) {
	cleaned := path.Clean("/" + reqPath)
	joined := filepath.Join(root, cleaned)

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if joinedAbs != rootAbs && !strings.HasPrefix(joinedAbs, rootAbs+string(filepath.Separator)) {
		return "", errors.NotFound()
	}

	if info, err := os.Stat(joinedAbs); err == nil && info.IsDir() {
		joinedAbs = filepath.Join(joinedAbs, index)
	}

	return joinedAbs, nil
}

// computeETag derives a stable weak validator from size and mtime: quoted,
// not cryptographically strong, but sufficient to detect content change
// between requests.
func computeETag(info os.FileInfo) string {
	return `"` + strconv.FormatInt(info.Size(), 10) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 10) + `"`
}

// notModified evaluates If-None-Match: "*" matches any existing file;
// otherwise compare each comma-separated client tag against the current
// ETag after whitespace trim.
func notModified(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	for _, tag := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimSpace(tag) == etag {
			return true
		}
	}
	return false
}

func notModifiedResponse(etag, lastModified string) *httpcodec.Response {
	header := http.Header{}
	header.Set("ETag", etag)
	header.Set("Last-Modified", lastModified)
	return &httpcodec.Response{
		StatusCode: http.StatusNotModified,
		Header:     header,
		Framing:    httpcodec.FramingNone,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
}

func contentTypeFor(absPath string) string {
	ext := filepath.Ext(absPath)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
