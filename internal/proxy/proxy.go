// Package proxy implements C1: resolving the effective proxy for a target and
// opening a TCP tunnel through it (HTTP CONNECT, SOCKS4/4a, SOCKS5) so that
// the socket handed back is a transparent byte-pipe suitable for an SSH
// handshake.
package proxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

// Config is the effective, already-resolved proxy to use for one connect
// attempt (nil means "no proxy, dial the target directly").
type Config struct {
	Type     descriptor.ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SystemProxyFunc mirrors the host's optional PAC-style resolution
// capability (spec §6): called with "http://<targetHost>/", it returns the
// raw rules string (e.g. "PROXY 10.0.0.1:3128; SOCKS5 10.0.0.2:1080; DIRECT")
// and whether the capability is available at all.
type SystemProxyFunc func(ctx context.Context, urlForHost string) (rules string, ok bool)

// DefaultProxyProvider supplies the process-wide "default proxy" (spec §4.1
// step 2), persisted opaquely by the host (spec §6 defaultProxyConfig).
type DefaultProxyProvider interface {
	DefaultProxy(ctx context.Context) (*Config, bool)
}

// Memo is the per-host PAC-resolution memoization backend (spec §4.1 step
// 3(b), §9 "Per-host memoization avoids repeated PAC calls on reconnect
// storms"). The default is an in-process map; RedisMemo (memo_redis.go)
// lets the memoization survive process restarts and be shared across
// multiple appos instances behind the same PAC resolver.
type Memo interface {
	// Get returns (cfg, true) on a memoized hit — cfg is nil for a memoized
	// "no proxy" result. ok is false on a cache miss.
	Get(ctx context.Context, hostKey string) (cfg *Config, ok bool)
	Set(ctx context.Context, hostKey string, cfg *Config)
}

// inMemoryMemo is the default Memo: a mutex-guarded map, matching spec §4.1's
// "memoized (mapping from lowercased host to resolved config or none)".
type inMemoryMemo struct {
	mu   sync.Mutex
	data map[string]*Config
	seen map[string]bool
}

func newInMemoryMemo() *inMemoryMemo {
	return &inMemoryMemo{data: make(map[string]*Config), seen: make(map[string]bool)}
}

func (m *inMemoryMemo) Get(_ context.Context, hostKey string) (*Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seen[hostKey] {
		return nil, false
	}
	return m.data[hostKey], true
}

func (m *inMemoryMemo) Set(_ context.Context, hostKey string, cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[hostKey] = cfg
	m.seen[hostKey] = true
}

// Resolver implements the proxy resolution order of spec §4.1 and memoizes
// per-host results (lowercased host -> resolved Config or "none") via Memo.
type Resolver struct {
	Default     DefaultProxyProvider
	SystemProxy SystemProxyFunc // may be nil: env-var path is used instead
	Memo        Memo
}

// NewResolver returns a Resolver ready for use. Default and sysProxy may be
// nil. Memo defaults to an in-process map; pass a RedisMemo to share
// memoization across restarts/instances.
func NewResolver(def DefaultProxyProvider, sysProxy SystemProxyFunc) *Resolver {
	return &Resolver{
		Default:     def,
		SystemProxy: sysProxy,
		Memo:        newInMemoryMemo(),
	}
}

// Resolve picks the effective proxy for d, per spec §4.1's ordered steps.
// A nil, nil return means "connect directly, no proxy".
func (r *Resolver) Resolve(ctx context.Context, d *descriptor.Descriptor) (*Config, error) {
	// Step 1: explicit proxy on the descriptor, unless it asks for the default.
	if d.Proxy != nil && d.Proxy.Type != descriptor.ProxyUseDefault {
		return &Config{
			Type:     d.Proxy.Type,
			Host:     d.Proxy.Host,
			Port:     d.Proxy.Port,
			Username: d.Proxy.Username,
			Password: d.Proxy.Password,
		}, nil
	}

	// Step 2: process-wide default proxy.
	if r.Default != nil {
		if cfg, ok := r.Default.DefaultProxy(ctx); ok {
			return cfg, nil
		}
	}

	// Step 3: system resolution, memoized per lowercased host.
	hostKey := strings.ToLower(d.Host)
	if r.Memo != nil {
		if cfg, ok := r.Memo.Get(ctx, hostKey); ok {
			return cfg, nil
		}
	}

	cfg, err := r.resolveSystem(ctx, d.Host)
	if err != nil {
		return nil, err
	}

	if r.Memo != nil {
		r.Memo.Set(ctx, hostKey, cfg)
	}

	return cfg, nil
}

// resolveSystem implements spec §4.1 step 3: env vars first, then the
// optional PAC-style callback.
func (r *Resolver) resolveSystem(ctx context.Context, host string) (*Config, error) {
	if cfg := envProxy(); cfg != nil {
		return cfg, nil
	}

	if r.SystemProxy == nil {
		return nil, nil
	}

	rules, ok := r.SystemProxy(ctx, fmt.Sprintf("http://%s/", host))
	if !ok {
		return nil, nil
	}
	return parsePACRules(rules), nil
}

// envProxy reads HTTP_PROXY / HTTPS_PROXY / SOCKS_PROXY (case-insensitive),
// per spec §6. The first one present wins, checked in that order.
func envProxy() *Config {
	for _, pair := range []struct {
		name string
		typ  descriptor.ProxyType
	}{
		{"HTTP_PROXY", descriptor.ProxyHTTP},
		{"HTTPS_PROXY", descriptor.ProxyHTTPS},
		{"SOCKS_PROXY", descriptor.ProxySOCKS5},
	} {
		if v := firstEnv(pair.name, strings.ToLower(pair.name)); v != "" {
			if cfg := parseProxyURL(v, pair.typ); cfg != nil {
				return cfg
			}
		}
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// parseProxyURL parses "[scheme://][user:pass@]host:port" into a Config,
// defaulting the port per scheme/type when absent.
func parseProxyURL(raw string, fallbackType descriptor.ProxyType) *Config {
	s := raw
	for _, prefix := range []string{"http://", "https://", "socks5://", "socks4://", "socks://"} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}

	var user, pass string
	if at := strings.LastIndex(s, "@"); at >= 0 {
		cred := s[:at]
		s = s[at+1:]
		if colon := strings.Index(cred, ":"); colon >= 0 {
			user, pass = cred[:colon], cred[colon+1:]
		} else {
			user = cred
		}
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		portStr = ""
	}
	port := DefaultPort(fallbackType)
	if portStr != "" {
		if p, perr := strconv.Atoi(portStr); perr == nil {
			port = p
		}
	}
	if host == "" {
		return nil
	}
	return &Config{Type: fallbackType, Host: host, Port: port, Username: user, Password: pass}
}

// DefaultPort returns the default port for a proxy type, per spec §6:
// http 80, https 443, socks4/socks5 1080.
func DefaultPort(t descriptor.ProxyType) int {
	switch t {
	case descriptor.ProxyHTTP:
		return 80
	case descriptor.ProxyHTTPS:
		return 443
	case descriptor.ProxySOCKS4, descriptor.ProxySOCKS5:
		return 1080
	default:
		return 0
	}
}

// parsePACRules parses a left-to-right PAC-style rules list and returns the
// first non-DIRECT entry, per spec §4.1 step 3(b). "HTTPS host:port" is
// treated as plaintext-CONNECT-over-HTTP per the REDESIGN FLAGS default
// (spec §9, Open Question).
func parsePACRules(rules string) *Config {
	for _, entry := range strings.Split(rules, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		scheme := strings.ToUpper(fields[0])
		if scheme == "DIRECT" {
			return nil
		}
		if len(fields) < 2 {
			continue
		}
		host, portStr, err := net.SplitHostPort(fields[1])
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}

		var t descriptor.ProxyType
		switch scheme {
		case "PROXY":
			t = descriptor.ProxyHTTP
		case "HTTPS":
			t = descriptor.ProxyHTTP // plaintext CONNECT, per Open Question default
		case "SOCKS", "SOCKS5":
			t = descriptor.ProxySOCKS5
		case "SOCKS4":
			t = descriptor.ProxySOCKS4
		default:
			continue
		}
		return &Config{Type: t, Host: host, Port: port}
	}
	return nil
}

// Timeouts for the tunnel handshakes, per spec §4.1/§5.
const (
	ConnectTimeout  = 15 * time.Second
	HTTPHandshake   = 15 * time.Second
	SOCKSHandshake  = 10 * time.Second
)

// Dial resolves the effective proxy for d (if any) and returns a net.Conn
// that is, after any tunnel handshake completes, a transparent byte-pipe to
// (d.Host, d.Port) ready for the SSH handshake. The boolean return reports
// whether a proxy was used.
func (r *Resolver) Dial(ctx context.Context, d *descriptor.Descriptor) (net.Conn, bool, error) {
	cfg, err := r.Resolve(ctx, d)
	if err != nil {
		return nil, false, err
	}
	if cfg == nil {
		conn, err := dialDirect(ctx, d.Host, d.Port)
		return conn, false, err
	}

	conn, err := Tunnel(ctx, cfg, d.Host, d.Port)
	if err != nil {
		return nil, true, err
	}
	return conn, true, nil
}

func dialDirect(ctx context.Context, host string, port int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, sshpoolerr.New(sshpoolerr.TransportUnavailable,
			fmt.Sprintf("cannot reach %s:%d", host, port), sshpoolerr.Context{}, err)
	}
	setNoDelay(conn)
	return conn, nil
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// Tunnel opens a TCP connection to cfg's proxy and performs the appropriate
// handshake so the returned socket is a transparent pipe to (targetHost,
// targetPort). Every handshake path destroys the socket before returning an
// error.
func Tunnel(ctx context.Context, cfg *Config, targetHost string, targetPort int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, sshpoolerr.New(sshpoolerr.TransportUnavailable,
			fmt.Sprintf("cannot reach proxy %s", cfg.addr()), sshpoolerr.Context{UsingProxy: true, ProxyType: string(cfg.Type)}, err)
	}
	setNoDelay(conn)

	log.Debug().Str("proxy_type", string(cfg.Type)).Str("proxy_addr", cfg.addr()).
		Str("target", net.JoinHostPort(targetHost, strconv.Itoa(targetPort))).Msg("proxy: tunnel handshake starting")

	var tunneled net.Conn
	switch cfg.Type {
	case descriptor.ProxyHTTP, descriptor.ProxyHTTPS:
		tunneled, err = httpConnect(ctx, conn, cfg, targetHost, targetPort)
	case descriptor.ProxySOCKS5:
		tunneled, err = socks5Connect(ctx, conn, cfg, targetHost, targetPort)
	case descriptor.ProxySOCKS4:
		tunneled, err = socks4Connect(ctx, conn, cfg, targetHost, targetPort)
	default:
		conn.Close()
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, fmt.Sprintf("unsupported proxy type %q", cfg.Type), sshpoolerr.Context{UsingProxy: true}, nil)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunneled, nil
}
