// Package transport executes built requests: it owns the http.Transports,
// the dialers behind them (direct, SOCKS5, HTTP CONNECT), fingerprinted TLS
// and the redirect policy, and classifies every failure into a stable Kind.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	utls "github.com/sardanioss/utls"
	"golang.org/x/sync/singleflight"

	"github.com/sardanioss/proxycloak/dns"
	"github.com/sardanioss/proxycloak/fingerprint"
	"github.com/sardanioss/proxycloak/keylog"
	"github.com/sardanioss/proxycloak/proxy"
)

// DefaultMaxTransports bounds the number of cached http.Transports.
const DefaultMaxTransports = 256

// DefaultDNSCleanup is how often expired resolver entries are dropped.
const DefaultDNSCleanup = time.Minute

// Options are the per-request transport settings.
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	DisableHTTP2       bool
	FollowRedirects    bool
	MaxRedirects       int
	Fingerprint        string // browser profile name, empty for the Go TLS stack
}

// Executor performs requests. It is safe for concurrent use.
type Executor struct {
	dns       *dns.Cache
	sessions  utls.ClientSessionCache
	cache     *ristretto.Cache[string, *http.Transport]
	build     singleflight.Group
	idleConns int
	stop      context.CancelFunc
}

// Option configures an Executor.
type Option func(*config)

type config struct {
	dns           *dns.Cache
	dnsCleanup    time.Duration
	maxTransports int64
	idleConns     int
}

// WithDNSCache resolves direct connections through c.
func WithDNSCache(c *dns.Cache) Option {
	return func(cfg *config) { cfg.dns = c }
}

// WithDNSCleanup sets how often expired entries are removed from the
// resolver cache.
func WithDNSCleanup(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.dnsCleanup = interval
		}
	}
}

// WithMaxTransports bounds the transport cache. Evicted transports have
// their idle connections closed.
func WithMaxTransports(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxTransports = int64(n)
		}
	}
}

// WithMaxIdleConnsPerHost sets the idle pool size of each transport.
func WithMaxIdleConnsPerHost(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.idleConns = n
		}
	}
}

// New returns an Executor.
func New(opts ...Option) (*Executor, error) {
	cfg := config{maxTransports: DefaultMaxTransports, idleConns: 64, dnsCleanup: DefaultDNSCleanup}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dns == nil {
		cfg.dns = dns.NewCache()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *http.Transport]{
		NumCounters:        cfg.maxTransports * 10,
		MaxCost:            cfg.maxTransports,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnExit: func(t *http.Transport) {
			t.CloseIdleConnections()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport cache: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	go cfg.dns.RunCleanup(ctx, cfg.dnsCleanup)

	return &Executor{
		dns:       cfg.dns,
		sessions:  utls.NewLRUClientSessionCache(64),
		cache:     cache,
		idleConns: cfg.idleConns,
		stop:      stop,
	}, nil
}

// Do sends req through ep (nil for a direct connection). The timeout in
// opts covers the whole exchange including reading the body: the returned
// response must be closed, and reads after the deadline fail. Errors are
// always *TransportError.
func (e *Executor) Do(req *http.Request, ep *proxy.Endpoint, opts Options) (*http.Response, error) {
	key := transportKey(ep, opts)
	rt, err := e.transport(key, ep, opts)
	if err != nil {
		return nil, Classify(err, ep)
	}

	ctx, cancel := context.WithTimeout(req.Context(), opts.Timeout)
	client := &http.Client{
		Transport:     rt,
		CheckRedirect: redirectPolicy(opts),
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		e.dropIfEvicted(key, rt)
		return nil, Classify(err, ep)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: func() {
		cancel()
		e.dropIfEvicted(key, rt)
	}}
	return resp, nil
}

// dropIfEvicted closes the idle connections of rt when the cache no longer
// holds it, since nothing will reuse them.
func (e *Executor) dropIfEvicted(key string, rt *http.Transport) {
	if cur, ok := e.cache.Get(key); ok && cur == rt {
		return
	}
	rt.CloseIdleConnections()
}

func redirectPolicy(opts Options) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if !opts.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) > opts.MaxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func transportKey(ep *proxy.Endpoint, opts Options) string {
	key := "direct"
	if ep != nil {
		key = ep.Key()
	}
	return key + "|" + strconv.FormatBool(opts.InsecureSkipVerify) + "|" + strconv.FormatBool(opts.DisableHTTP2) + "|" + opts.Fingerprint
}

// transport returns the cached transport for key, building it from
// (ep, opts) on a miss.
func (e *Executor) transport(key string, ep *proxy.Endpoint, opts Options) (*http.Transport, error) {
	if t, ok := e.cache.Get(key); ok {
		return t, nil
	}

	v, err, _ := e.build.Do(key, func() (any, error) {
		if t, ok := e.cache.Get(key); ok {
			return t, nil
		}
		t, err := e.newTransport(ep, opts)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, t, 1)
		e.cache.Wait()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*http.Transport), nil
}

func (e *Executor) newTransport(ep *proxy.Endpoint, opts Options) (*http.Transport, error) {
	r, err := newRoute(ep, e.dns, opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}

	t := &http.Transport{
		DisableCompression:  true,
		ForceAttemptHTTP2:   !opts.DisableHTTP2,
		MaxIdleConns:        e.idleConns * 4,
		MaxIdleConnsPerHost: e.idleConns,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			KeyLogWriter:       keylog.Writer(),
		},
		OnProxyConnectResponse: func(_ context.Context, _ *url.URL, _ *http.Request, resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return NewProxyError("proxy_connect", ep, fmt.Errorf("proxy responded %s", resp.Status))
			}
			return nil
		},
	}
	if opts.DisableHTTP2 {
		t.TLSClientConfig.NextProtos = []string{"http/1.1"}
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	httpProxy := ep != nil && !ep.IsSOCKS()

	if opts.Fingerprint == "" {
		if httpProxy {
			t.Proxy = http.ProxyURL(ep.URL())
			t.DialContext = r.dialProxyTCP
		} else {
			t.DialContext = r.dial
		}
		return t, nil
	}

	profile, ok := fingerprint.Lookup(opts.Fingerprint)
	if !ok {
		return nil, fmt.Errorf("unknown browser profile %q", opts.Fingerprint)
	}
	// Fingerprinted connections are HTTP/1.1 only.
	t.ForceAttemptHTTP2 = false
	t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}

	if httpProxy && ep.Scheme == "http" {
		// Plain http targets are forwarded; https targets are tunneled by
		// DialTLSContext so the handshake carries the profile.
		t.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "http" {
				return ep.URL(), nil
			}
			return nil, nil
		}
	}
	proxyAddr := ""
	if httpProxy {
		proxyAddr = ep.Addr()
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if t.Proxy != nil && addr == proxyAddr {
			return r.dialProxyTCP(ctx, network, addr)
		}
		return r.dial(ctx, network, addr)
	}
	t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		raw, err := r.dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return handshake(ctx, raw, host, profile.ClientHelloID, opts.InsecureSkipVerify, e.sessions)
	}
	return t, nil
}

// DNS returns the resolver cache used for direct connections.
func (e *Executor) DNS() *dns.Cache {
	return e.dns
}

// Close drops every cached transport, closes their idle connections and
// stops the resolver cache maintenance.
func (e *Executor) Close() {
	e.stop()
	e.dns.Clear()
	e.cache.Clear()
	e.cache.Close()
}
