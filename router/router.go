// Package router selects a server by the listen address a connection
// arrived on, then a location by longest URL-prefix match within that
// server.
package router

import (
	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/pkg/errors"
)

// Route selects the server bound to localAddr (disambiguated by host on a
// shared address) and then the longest-prefix-matching location for path.
// It returns errors.NotFound() when the view has no server at all or no
// location matches; a localAddr no server listens on falls back to the
// first server (see conf.View.SelectServer).
func Route(view *conf.View, localAddr, host, path string) (*conf.ServerView, *conf.LocationView, error) {
	server := view.SelectServer(localAddr, host)
	if server == nil {
		return nil, nil, errors.NotFound()
	}

	loc := server.SelectLocation(path)
	if loc == nil {
		return server, nil, errors.NotFound()
	}

	return server, loc, nil
}

// TargetPath rewrites the request path for a proxy location per
// location.StripPrefix: stripping removes the location's own path prefix.
func TargetPath(loc *conf.LocationView, path string) string {
	if !loc.StripPrefix {
		return path
	}
	trimmed := path[len(loc.Path):]
	if trimmed == "" {
		return "/"
	}
	if trimmed[0] != '/' {
		trimmed = "/" + trimmed
	}
	return trimmed
}
