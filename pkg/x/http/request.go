package http

import (
	"net/http"
)

// ClientIP resolves the logical client address for access logging and
// X-Forwarded-For propagation, preferring headers a trusted front proxy
// would have set over the raw socket address.
func ClientIP(remoteAddr string, header http.Header) string {
	addr := header.Get("Client-Ip")
	if addr == "" {
		addr = header.Get("X-Real-IP")
	}
	if addr == "" {
		addr = header.Get("X-Forwarded-For")
	}
	if addr == "" {
		return remoteAddr
	}
	return addr
}

// Scheme reports the request's logical scheme, given whether the accepting
// listener terminates TLS and the headers a trusted front proxy may set.
func Scheme(isTLS bool, header http.Header) string {
	if isTLS {
		return "https"
	}
	if scheme := header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	if scheme := header.Get("X-Forwarded-Protocol"); scheme != "" {
		return scheme
	}
	if scheme := header.Get("X-Url-Scheme"); scheme != "" {
		return scheme
	}
	if flag := header.Get("X-Forwarded-Ssl"); flag == "on" {
		return "https"
	}
	return "http"
}
