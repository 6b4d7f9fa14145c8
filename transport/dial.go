package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/sardanioss/proxycloak/dns"
	"github.com/sardanioss/proxycloak/proxy"
)

// route opens raw connections to a target, directly or through one proxy.
type route struct {
	ep       *proxy.Endpoint
	dns      *dns.Cache
	dialer   *net.Dialer
	socks    xproxy.ContextDialer
	insecure bool
}

func newRoute(ep *proxy.Endpoint, cache *dns.Cache, insecure bool) (*route, error) {
	r := &route{
		ep:       ep,
		dns:      cache,
		dialer:   &net.Dialer{KeepAlive: 30 * time.Second},
		insecure: insecure,
	}
	if ep == nil || !ep.IsSOCKS() {
		return r, nil
	}

	var auth *xproxy.Auth
	if ep.HasAuth() {
		auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
	}
	d, err := xproxy.SOCKS5("tcp", ep.Addr(), auth, r.dialer)
	if err != nil {
		return nil, NewProxyError("socks5_setup", ep, err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, NewProxyError("socks5_setup", ep, fmt.Errorf("dialer %T does not support contexts", d))
	}
	r.socks = cd
	return r, nil
}

// dial connects to addr. Through an HTTP(S) proxy the connection is a
// CONNECT tunnel.
func (r *route) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	switch {
	case r.ep == nil:
		return r.dns.DialContext(ctx, network, addr)
	case r.ep.IsSOCKS():
		return r.dialSOCKS(ctx, network, addr)
	default:
		return r.dialConnect(ctx, addr)
	}
}

// dialProxy opens a connection to the proxy itself, with TLS for https
// proxies.
func (r *route) dialProxy(ctx context.Context) (net.Conn, error) {
	conn, err := r.dialer.DialContext(ctx, "tcp", r.ep.Addr())
	if err != nil {
		return nil, NewProxyError("proxy_dial", r.ep, err)
	}
	if r.ep.Scheme != "https" {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         r.ep.Host,
		InsecureSkipVerify: r.insecure,
		NextProtos:         []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, NewProxyError("proxy_tls", r.ep, err)
	}
	return tlsConn, nil
}

// dialProxyTCP is the DialContext of transports that let net/http speak
// to an HTTP proxy. Every address it is asked for is the proxy's.
func (r *route) dialProxyTCP(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := r.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, NewProxyError("proxy_dial", r.ep, err)
	}
	return conn, nil
}

func (r *route) dialSOCKS(ctx context.Context, network, addr string) (net.Conn, error) {
	target := addr
	if r.ep.Scheme == "socks5" {
		// socks5 resolves locally; socks5h lets the proxy resolve.
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) == nil {
			ips, err := r.dns.ResolveAllSorted(ctx, host)
			if err != nil {
				return nil, err
			}
			target = net.JoinHostPort(ips[0].String(), port)
		}
	}

	conn, err := r.socks.DialContext(ctx, network, target)
	if err != nil {
		return nil, NewProxyError("socks5_connect", r.ep, err)
	}
	return conn, nil
}

func (r *route) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := r.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if r.ep.HasAuth() {
		req.Header.Set("Proxy-Authorization", basicAuth(r.ep.Username, r.ep.Password))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, NewProxyError("proxy_connect", r.ep, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, NewProxyError("proxy_connect", r.ep, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, NewProxyError("proxy_connect", r.ep, fmt.Errorf("proxy responded %s", resp.Status))
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn serves bytes the CONNECT response reader already consumed.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
