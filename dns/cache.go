// Package dns resolves hostnames for direct connections and caches the
// answers. Lookups go through the system resolver, or through an explicit
// nameserver when one is configured.
package dns

import (
	"context"
	"errors"
	"net"
	"net/http/httptrace"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
)

// Entry represents a cached DNS entry
type Entry struct {
	IPs       []net.IP
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired checks if the entry has expired
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache provides TTL-aware DNS caching
type Cache struct {
	entries    map[string]*Entry
	mu         sync.RWMutex
	resolver   *net.Resolver
	server     string
	client     *mdns.Client
	defaultTTL time.Duration
	minTTL     time.Duration
	dialer     net.Dialer
}

// Option configures a Cache.
type Option func(*Cache)

// WithServer sends queries to the nameserver at addr ("host:port", port 53
// when omitted) instead of the system resolver. Answer TTLs are honored.
func WithServer(addr string) Option {
	return func(c *Cache) {
		if addr == "" {
			return
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, "53")
		}
		c.server = addr
		c.client = &mdns.Client{Net: "udp", Timeout: 3 * time.Second}
	}
}

// WithTTL sets the TTL used for system resolver answers. It is raised to
// the 30s minimum.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl < c.minTTL {
			ttl = c.minTTL
		}
		c.defaultTTL = ttl
	}
}

// NewCache creates a new DNS cache
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		resolver:   net.DefaultResolver,
		defaultTTL: 5 * time.Minute,  // Default TTL if not specified
		minTTL:     30 * time.Second, // Minimum TTL to prevent hammering
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Server returns the explicit nameserver, or "" for the system resolver.
func (c *Cache) Server() string {
	return c.server
}

// Resolve looks up the IP addresses for a hostname
// Returns cached result if available and not expired
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if exists && !entry.IsExpired() {
		return entry.IPs, nil
	}

	ips, ttl, err := c.lookup(ctx, host)
	if err != nil {
		// If lookup fails but we have stale cache, use it
		if exists {
			return entry.IPs, nil
		}
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
	}

	now := time.Now()
	c.mu.Lock()
	c.entries[host] = &Entry{
		IPs:       ips,
		ExpiresAt: now.Add(ttl),
		LookupAt:  now,
	}
	c.mu.Unlock()

	return ips, nil
}

func (c *Cache) lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	if c.client != nil {
		// The system resolver reports to an httptrace on its own; queries
		// sent with miekg/dns do not.
		trace := httptrace.ContextClientTrace(ctx)
		if trace != nil && trace.DNSStart != nil {
			trace.DNSStart(httptrace.DNSStartInfo{Host: host})
		}
		ips, ttl, err := c.exchange(ctx, host)
		if trace != nil && trace.DNSDone != nil {
			addrs := make([]net.IPAddr, len(ips))
			for i, ip := range ips {
				addrs[i] = net.IPAddr{IP: ip}
			}
			trace.DNSDone(httptrace.DNSDoneInfo{Addrs: addrs, Err: err})
		}
		return ips, ttl, err
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	ips := make([]net.IP, len(addrs))
	for i, addr := range addrs {
		ips[i] = addr.IP
	}
	return ips, c.defaultTTL, nil
}

// exchange queries the explicit nameserver for A and AAAA records. The
// entry lives for the smallest answer TTL, bounded below by minTTL.
func (c *Cache) exchange(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	var (
		ips    []net.IP
		minTTL uint32
		errs   []error
	)
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		m := new(mdns.Msg)
		m.SetQuestion(mdns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := c.client.ExchangeContext(ctx, m, c.server)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if in.Rcode != mdns.RcodeSuccess {
			errs = append(errs, &net.DNSError{
				Err:        mdns.RcodeToString[in.Rcode],
				Name:       host,
				Server:     c.server,
				IsNotFound: in.Rcode == mdns.RcodeNameError,
			})
			continue
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch a := rr.(type) {
			case *mdns.A:
				ip = a.A
			case *mdns.AAAA:
				ip = a.AAAA
			default:
				continue
			}
			ips = append(ips, ip)
			if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}

	if len(ips) == 0 {
		if len(errs) > 0 {
			return nil, 0, &net.DNSError{Err: errors.Join(errs...).Error(), Name: host, Server: c.server}
		}
		return nil, 0, &net.DNSError{Err: "no addresses found", Name: host, Server: c.server, IsNotFound: true}
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	return ips, ttl, nil
}

// ResolveAllSorted returns all IPs sorted for Happy Eyeballs (RFC 8305)
// IPv6 addresses first, interleaved with IPv4
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var ipv4, ipv6 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}

	result := make([]net.IP, 0, len(ips))
	i, j := 0, 0
	for i < len(ipv6) || j < len(ipv4) {
		if i < len(ipv6) {
			result = append(result, ipv6[i])
			i++
		}
		if j < len(ipv4) {
			result = append(result, ipv4[j])
			j++
		}
	}

	return result, nil
}

// DialContext resolves the host of addr through the cache and connects to
// the first address that accepts. DNS failures are returned as
// *net.DNSError.
func (c *Cache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := c.ResolveAllSorted(ctx, host)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, ip := range ips {
		conn, err := c.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return nil, firstErr
		}
	}
	// Every address refused; the next dial resolves again.
	c.Invalidate(host)
	return nil, firstErr
}

// Invalidate removes a hostname from the cache
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Stats returns cache statistics
func (c *Cache) Stats() (total int, expired int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	for _, entry := range c.entries {
		total++
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}
	return
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (c *Cache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Cleanup removes expired entries from the cache
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for host, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, host)
		}
	}
}
