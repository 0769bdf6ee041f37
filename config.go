package tabby

import (
	"crypto/x509"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
	log "gopkg.in/inconshreveable/log15.v2"
)

// ServerSpec describes one IRC server. It is copied at client creation
// and immutable for the session.
type ServerSpec struct {
	// Addr is the server host name or address.
	Addr string
	// Port is the server port. 0 selects 6697 with TLS, 6667 without.
	Port uint16
	// TLS enables a TLS transport with verified peer names.
	TLS bool
	// Pass is the server password, sent before NICK/USER when set.
	Pass string
	// Nicks are the candidate nicks, tried in order. Once exhausted,
	// underscores are appended to the last one. Must be non-empty.
	Nicks []string
	// Hostname is used as the USER command's first argument.
	Hostname string
	// Realname is the free-form real name.
	Realname string
	// SASL enables SASL PLAIN authentication during registration.
	SASL *SASLAuth
	// NickServIdent, when set, is sent to NickServ as IDENTIFY after
	// registration and after nick changes.
	NickServIdent string
	// AutoJoin channels are joined after registration.
	AutoJoin []string
	// Alias is a display name for this server, for the embedder only.
	Alias string
	// PingInterval is how long the inbound side may be silent before
	// we probe with a PING, and how long we then wait for any traffic
	// before reconnecting. Default 60s.
	PingInterval time.Duration
	// ReconnectBase is the reconnection backoff base. Default 30s.
	ReconnectBase time.Duration
}

// SASLAuth holds SASL PLAIN credentials.
type SASLAuth struct {
	Username string
	Password string
}

func (s *ServerSpec) withDefaults() ServerSpec {
	spec := *s
	spec.Nicks = append([]string(nil), s.Nicks...)
	spec.AutoJoin = append([]string(nil), s.AutoJoin...)
	if spec.Port == 0 {
		if spec.TLS {
			spec.Port = 6697
		} else {
			spec.Port = 6667
		}
	}
	if spec.PingInterval == 0 {
		spec.PingInterval = 60 * time.Second
	}
	if spec.ReconnectBase == 0 {
		spec.ReconnectBase = 30 * time.Second
	}
	if spec.Hostname == "" {
		spec.Hostname = "localhost"
	}
	if spec.Realname == "" && len(spec.Nicks) > 0 {
		spec.Realname = spec.Nicks[0]
	}
	return spec
}

// RootCAs overrides the trust store used for TLS connections. Without
// it the process-wide system store is loaded once and shared by every
// client.
func RootCAs(pool *x509.CertPool) func(*Client) {
	return func(c *Client) {
		c.roots = pool
	}
}

// Proxy routes the connection through the given dialer, typically a
// SOCKS5 proxy from golang.org/x/net/proxy. Address fallback is the
// proxy's concern when set.
func Proxy(d proxy.Dialer) func(*Client) {
	return func(c *Client) {
		c.proxy = d
	}
}

// DialWith replaces the plaintext connection function, bypassing
// address resolution. Useful for tests and for tunneled setups.
func DialWith(f func(network, addr string) (net.Conn, error)) func(*Client) {
	return func(c *Client) {
		c.dialFn = f
	}
}

// SendRate overrides the outgoing line pacing. The default allows a
// short burst and then roughly five lines a second, which keeps
// servers from dropping us for flooding.
func SendRate(r rate.Limit, burst int) func(*Client) {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// Logger replaces the client's logger. Logs are discarded by default;
// attach a handler or pass a configured logger to see them.
func Logger(l log.Logger) func(*Client) {
	return func(c *Client) {
		c.Logger = l
	}
}

var (
	sysRootsOnce sync.Once
	sysRoots     *x509.CertPool
)

// systemRoots loads the system trust store once per process; every
// session shares the pool across reconnects.
func systemRoots() *x509.CertPool {
	sysRootsOnce.Do(func() {
		pool, err := x509.SystemCertPool()
		if err == nil {
			sysRoots = pool
		}
	})
	return sysRoots
}
