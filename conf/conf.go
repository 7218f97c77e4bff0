// Package conf holds the raw, as-loaded configuration tree and the frozen
// View the router/worker/proxy packages actually consult. Bootstrap keeps
// top-level Server/Upstream/Logger sections, nests Server.Location under
// its server, and generalizes Upstream into a named collection so a
// location can reference any upstream by name. Server is itself a
// collection: several listen blocks (one process, several bound addresses,
// or several server_name-disambiguated virtual hosts sharing one address)
// resolve into one View with one ServerView per entry.
package conf

import "time"

type Bootstrap struct {
	Hostname string      `json:"hostname" yaml:"hostname"`
	PidFile  string      `json:"pidfile" yaml:"pidfile"`
	Logger   *Logger     `json:"logger" yaml:"logger"`
	Server   []*Server   `json:"server" yaml:"server"`
	Upstream []*Upstream `json:"upstream" yaml:"upstream"`
	Cache    *Cache      `json:"cache" yaml:"cache"`
}

type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// Server is one listen address with the locations served behind it:
// listen address, server_name, root, index. Location lives under it
// because each location's longest-prefix match is scoped to one server.
type Server struct {
	Listen                         string        `json:"listen" yaml:"listen"`
	ServerName                     []string      `json:"server_name" yaml:"server_name"`
	Root                           string        `json:"root" yaml:"root"`
	Index                          string        `json:"index" yaml:"index"`
	Location                       []*Location   `json:"location" yaml:"location"`
	WorkerProcesses                int           `json:"worker_processes" yaml:"worker_processes"`
	WorkerConnections              int           `json:"worker_connections" yaml:"worker_connections"`
	MaxRequestHeaderBytes          int64         `json:"max_request_headers_bytes" yaml:"max_request_headers_bytes"`
	MaxRequestBodyBytes            int64         `json:"max_request_body_bytes" yaml:"max_request_body_bytes"`
	MaxUpstreamResponseHeaderBytes int64         `json:"max_upstream_response_headers_bytes" yaml:"max_upstream_response_headers_bytes"`
	ClientReadTimeout              time.Duration `json:"client_read_timeout_secs" yaml:"client_read_timeout_secs"`
	KeepaliveTimeout               time.Duration `json:"keepalive_timeout_secs" yaml:"keepalive_timeout_secs"`
	ProxyWriteTimeout              time.Duration `json:"proxy_write_timeout_secs" yaml:"proxy_write_timeout_secs"`
	AccessLog                      *AccessLog    `json:"access_log" yaml:"access_log"`
	PProf                          *PProf        `json:"pprof" yaml:"pprof"`
	LocalAPIAllowHosts             []string      `json:"local_api_allow_hosts" yaml:"local_api_allow_hosts"`
	AdminListen                    string        `json:"admin_listen" yaml:"admin_listen"`
}

type PProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type AccessLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// Location is one URL-prefix rule within a Server: serve a static root or
// proxy to a named upstream.
type Location struct {
	Path         string `json:"path" yaml:"path"`
	Kind         string `json:"kind" yaml:"kind"` // "static" | "proxy"
	Root         string `json:"root" yaml:"root"`
	Index        string `json:"index" yaml:"index"`
	Upstream     string `json:"upstream" yaml:"upstream"`
	StripPrefix  bool   `json:"strip_prefix" yaml:"strip_prefix"`
	CacheEnabled bool   `json:"cache" yaml:"cache"`
	PreserveHost bool   `json:"preserve_host" yaml:"preserve_host"`
}

// Upstream is a named set of backend addresses a Location can proxy to.
type Upstream struct {
	Name            string        `json:"name" yaml:"name"`
	Address         []string      `json:"address" yaml:"address"`
	Strategy        string        `json:"strategy" yaml:"strategy"` // "round_robin" | "single"
	FailThreshold   int           `json:"fail_threshold" yaml:"fail_threshold"`
	CooldownSecs    time.Duration `json:"cooldown_secs" yaml:"cooldown_secs"`
	ActiveProbe     bool          `json:"active_probe" yaml:"active_probe"`
	ConnectTimeout  time.Duration `json:"connect_timeout_secs" yaml:"connect_timeout_secs"`
	PoolMaxPerAddr  int           `json:"proxy_pool_max_per_addr" yaml:"proxy_pool_max_per_addr"`
	PoolIdleTimeout time.Duration `json:"proxy_pool_idle_timeout_secs" yaml:"proxy_pool_idle_timeout_secs"`
}

// Cache is the object cache's (component E) tunables.
type Cache struct {
	Dir              string        `json:"dir" yaml:"dir"`
	TTL              time.Duration `json:"ttl_secs" yaml:"ttl_secs"`
	MaxObjectBytes   int64         `json:"cache_max_object_bytes" yaml:"cache_max_object_bytes"`
	MaxMemoryEntries int           `json:"max_memory_entries" yaml:"max_memory_entries"`
}
