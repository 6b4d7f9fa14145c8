// Package proxy parses upstream proxy endpoints, loads proxy list files and
// chooses the endpoint each request goes through.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is one upstream proxy.
type Endpoint struct {
	Scheme   string // http, https, socks5 or socks5h
	Host     string
	Port     string
	Username string
	Password string
}

var defaultPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

// Parse parses "scheme://[user:pass@]host[:port]". A missing scheme means
// http and a missing port takes the scheme's default.
func Parse(raw string) (*Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty proxy url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "socks" {
		scheme = "socks5"
	}
	defPort, ok := defaultPorts[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", redact(u))
	}
	port := u.Port()
	if port == "" {
		port = defPort
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return nil, fmt.Errorf("invalid proxy port %q", port)
	}

	ep := &Endpoint{Scheme: scheme, Host: host, Port: port}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// Addr returns host:port.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// IsSOCKS reports whether the endpoint speaks SOCKS5.
func (e *Endpoint) IsSOCKS() bool {
	return e.Scheme == "socks5" || e.Scheme == "socks5h"
}

// HasAuth reports whether credentials are set.
func (e *Endpoint) HasAuth() bool {
	return e.Username != "" || e.Password != ""
}

// URL returns the endpoint as a URL including credentials.
func (e *Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: e.Scheme, Host: e.Addr()}
	switch {
	case e.Password != "":
		u.User = url.UserPassword(e.Username, e.Password)
	case e.Username != "":
		u.User = url.User(e.Username)
	}
	return u
}

// Key identifies the endpoint including its credentials.
func (e *Endpoint) Key() string {
	return e.URL().String()
}

// String returns the endpoint with the password masked, safe for logs.
func (e *Endpoint) String() string {
	return redact(e.URL())
}

func redact(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	c := *u
	c.User = url.UserPassword(u.User.Username(), "xxxxx")
	return c.String()
}
