package conf

import (
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"
)

// View is the frozen, worker-facing projection of Bootstrap. To avoid
// cyclic config references (location -> upstream -> (global)), it is built
// once at load time by flattening Bootstrap into direct pointers and
// index-sorted slices; no package past this one ever walks the raw config
// graph again.
type View struct {
	Servers []*ServerView
	Cache   *CacheView
}

type ServerView struct {
	Listen             string
	ServerName         []string
	Root               string
	Index              string
	Locations          []*LocationView // sorted longest-prefix-first, ties in config order
	WorkerProcesses    int
	WorkerConnections  int

	MaxRequestHeaderBytes          int64
	MaxRequestBodyBytes            int64
	MaxUpstreamResponseHeaderBytes int64

	ClientReadTimeout time.Duration
	KeepaliveTimeout  time.Duration
	ProxyWriteTimeout time.Duration

	AccessLog          *AccessLog
	PProf              *PProf
	LocalAPIAllowHosts []string
	AdminListen        string
}

type LocationView struct {
	Path         string
	Kind         string // "static" | "proxy"
	Root         string
	Index        string
	Upstream     *UpstreamView
	StripPrefix  bool
	CacheEnabled bool
	PreserveHost bool
}

type UpstreamView struct {
	Name            string
	Addresses       []string
	Strategy        string // "round_robin" | "single"
	FailThreshold   int
	Cooldown        time.Duration
	ActiveProbe     bool
	ConnectTimeout  time.Duration
	PoolMaxPerAddr  int
	PoolIdleTimeout time.Duration
}

type CacheView struct {
	Dir              string
	TTL              time.Duration
	MaxObjectBytes   int64
	MaxMemoryEntries int
}

const (
	defaultWorkerProcesses                = 1
	defaultWorkerConnections              = 1024
	defaultMaxRequestHeaderBytes    int64 = 64 * 1024
	defaultMaxRequestBodyBytes     int64 = 16 * 1024 * 1024
	defaultMaxUpstreamRespHdrBytes int64 = 64 * 1024
	defaultClientReadTimeout              = 60 * time.Second
	defaultKeepaliveTimeout                = 75 * time.Second
	defaultProxyWriteTimeout               = 60 * time.Second
	defaultFailThreshold                   = 3
	defaultCooldown                        = 10 * time.Second
	defaultConnectTimeout                  = 5 * time.Second
	defaultPoolMaxPerAddr                  = 32
	defaultPoolIdleTimeout                 = 60 * time.Second
	defaultCacheTTL                        = 300 * time.Second
	defaultCacheMaxObjectBytes      int64 = 8 * 1024 * 1024
	defaultCacheMaxMemoryEntries            = 4096
)

// Resolve flattens bc into a frozen View. Every upstream reference named by
// a proxy location is validated at this point, so handlers can dereference
// LocationView.Upstream without a nil check at request time. Bootstrap.Server
// is a collection: each entry becomes its own ServerView, letting several
// listen addresses (or several server_name-scoped virtual hosts sharing one
// address) run out of a single process.
func Resolve(bc *Bootstrap) (*View, error) {
	if len(bc.Server) == 0 {
		return nil, fmt.Errorf("conf: server section is required")
	}

	upstreams := make(map[string]*UpstreamView, len(bc.Upstream))
	for _, u := range bc.Upstream {
		if u.Name == "" {
			return nil, fmt.Errorf("conf: upstream entry missing name")
		}
		if len(u.Address) == 0 {
			return nil, fmt.Errorf("conf: upstream %q has no addresses", u.Name)
		}
		strategy := u.Strategy
		if strategy == "" {
			strategy = "round_robin"
		}
		upstreams[u.Name] = &UpstreamView{
			Name:            u.Name,
			Addresses:       append([]string(nil), u.Address...),
			Strategy:        strategy,
			FailThreshold:   orDefaultInt(u.FailThreshold, defaultFailThreshold),
			Cooldown:        orDefaultDuration(u.CooldownSecs*time.Second, defaultCooldown),
			ActiveProbe:     u.ActiveProbe,
			ConnectTimeout:  orDefaultDuration(u.ConnectTimeout*time.Second, defaultConnectTimeout),
			PoolMaxPerAddr:  orDefaultInt(u.PoolMaxPerAddr, defaultPoolMaxPerAddr),
			PoolIdleTimeout: orDefaultDuration(u.PoolIdleTimeout*time.Second, defaultPoolIdleTimeout),
		}
	}

	svs := make([]*ServerView, 0, len(bc.Server))
	for _, s := range bc.Server {
		sv, err := resolveServer(s, upstreams)
		if err != nil {
			return nil, err
		}
		svs = append(svs, sv)
	}

	view := &View{
		Servers: svs,
		Cache:   resolveCache(bc.Cache),
	}
	return view, nil
}

func resolveServer(s *Server, upstreams map[string]*UpstreamView) (*ServerView, error) {
	sv := &ServerView{
		Listen:                         s.Listen,
		ServerName:                     s.ServerName,
		Root:                           s.Root,
		Index:                          orDefaultString(s.Index, "index.html"),
		WorkerProcesses:                orDefaultInt(s.WorkerProcesses, defaultWorkerProcesses),
		WorkerConnections:              orDefaultInt(s.WorkerConnections, defaultWorkerConnections),
		MaxRequestHeaderBytes:          orDefaultInt64(s.MaxRequestHeaderBytes, defaultMaxRequestHeaderBytes),
		MaxRequestBodyBytes:            orDefaultInt64(s.MaxRequestBodyBytes, defaultMaxRequestBodyBytes),
		MaxUpstreamResponseHeaderBytes: orDefaultInt64(s.MaxUpstreamResponseHeaderBytes, defaultMaxUpstreamRespHdrBytes),
		ClientReadTimeout:              orDefaultDuration(s.ClientReadTimeout*time.Second, defaultClientReadTimeout),
		KeepaliveTimeout:               orDefaultDuration(s.KeepaliveTimeout*time.Second, defaultKeepaliveTimeout),
		ProxyWriteTimeout:              orDefaultDuration(s.ProxyWriteTimeout*time.Second, defaultProxyWriteTimeout),
		AccessLog:                      s.AccessLog,
		PProf:                          s.PProf,
		LocalAPIAllowHosts:             s.LocalAPIAllowHosts,
		AdminListen:                    orDefaultString(s.AdminListen, "127.0.0.1:9090"),
	}

	locs := make([]*LocationView, 0, len(s.Location))
	for _, l := range s.Location {
		lv := &LocationView{
			Path:         l.Path,
			Kind:         l.Kind,
			Root:         orDefaultString(l.Root, s.Root),
			Index:        orDefaultString(l.Index, sv.Index),
			StripPrefix:  l.StripPrefix,
			CacheEnabled: l.CacheEnabled,
			PreserveHost: l.PreserveHost,
		}
		if l.Kind == "proxy" {
			up, ok := upstreams[l.Upstream]
			if !ok {
				return nil, fmt.Errorf("conf: location %q references unknown upstream %q", l.Path, l.Upstream)
			}
			lv.Upstream = up
		}
		locs = append(locs, lv)
	}

	// Longest-prefix-first, stable so equal-length ties keep config order.
	sort.SliceStable(locs, func(i, j int) bool {
		return len(locs[i].Path) > len(locs[j].Path)
	})
	sv.Locations = locs

	return sv, nil
}

// resolveCache fills every zero-valued field of the configured cache
// section from the package defaults via mergo.Merge, rather than the
// orDefault* helpers used elsewhere in this file: apart from TTL, whose raw
// seconds are converted to a time.Duration before the merge, CacheView's
// fields are copied as-is, so a single struct merge replaces what would
// otherwise be one orDefault* call per field.
func resolveCache(c *Cache) *CacheView {
	view := &CacheView{}
	if c != nil {
		view.Dir = c.Dir
		if c.TTL > 0 {
			view.TTL = c.TTL * time.Second
		}
		view.MaxObjectBytes = c.MaxObjectBytes
		view.MaxMemoryEntries = c.MaxMemoryEntries
	}

	defaults := CacheView{
		TTL:              defaultCacheTTL,
		MaxObjectBytes:   defaultCacheMaxObjectBytes,
		MaxMemoryEntries: defaultCacheMaxMemoryEntries,
	}
	_ = mergo.Merge(view, defaults)
	return view
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// SelectServer matches by listen address first; if more than one server
// shares an address (distinct server_name virtual hosts bound to the same
// socket), it falls back to Host-header match against server_name,
// defaulting to the first candidate on total mismatch. When no server
// listens on localAddr, the first server in the view is returned.
func (v *View) SelectServer(localAddr, host string) *ServerView {
	var candidates []*ServerView
	for _, s := range v.Servers {
		if s.Listen == localAddr {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		if len(v.Servers) > 0 {
			return v.Servers[0]
		}
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, s := range candidates {
		for _, name := range s.ServerName {
			if name == host {
				return s
			}
		}
	}
	return candidates[0]
}

// SelectLocation picks the longest-prefix-matching location. Locations are
// pre-sorted longest-first by Resolve, so the first prefix match wins.
func (s *ServerView) SelectLocation(path string) *LocationView {
	for _, l := range s.Locations {
		if isPathPrefix(l.Path, path) {
			return l
		}
	}
	return nil
}

func isPathPrefix(prefix, path string) bool {
	if prefix == "" {
		return false
	}
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}
