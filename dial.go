package tabby

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/proxy"
)

// Transport error kinds, wrapped by the errors surfaced in
// DisconnectedEvent.
var (
	ErrResolve = fmt.Errorf("cannot resolve server address")
	ErrConnect = fmt.Errorf("cannot connect to server")
	ErrTLS     = fmt.Errorf("TLS handshake failed")
)

// dialer opens the byte stream to one server: resolve the host to its
// candidate addresses, try each in order, then wrap in TLS when asked.
type dialer struct {
	host   string
	port   uint16
	tls    bool
	roots  *x509.CertPool
	proxy  proxy.Dialer
	dialFn func(network, addr string) (net.Conn, error)
}

// dial connects to the first reachable resolved address. The context
// carries the session shutdown; abandoning a half-done resolution or
// handshake is how quit stays prompt.
func (d *dialer) dial(ctx context.Context) (net.Conn, error) {
	conn, err := d.dialTCP(ctx)
	if err != nil {
		return nil, err
	}
	if !d.tls {
		return conn, nil
	}
	tconn := tls.Client(conn, &tls.Config{
		ServerName: d.host,
		RootCAs:    d.roots,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"irc"},
	})
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTLS, err)
	}
	return tconn, nil
}

func (d *dialer) dialTCP(ctx context.Context) (net.Conn, error) {
	port := strconv.Itoa(int(d.port))

	if d.dialFn != nil {
		conn, err := d.dialFn("tcp", net.JoinHostPort(d.host, port))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		return conn, nil
	}

	if d.proxy != nil {
		conn, err := proxyDial(ctx, d.proxy, net.JoinHostPort(d.host, port))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		return conn, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, d.host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if len(addrs) == 0 {
		return nil, ErrResolve
	}

	var nd net.Dialer
	var lastErr error
	for _, addr := range addrs {
		conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(addr.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnect, lastErr)
}

func proxyDial(ctx context.Context, d proxy.Dialer, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}
