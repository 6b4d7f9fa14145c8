package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/sardanioss/proxycloak/proxy"
)

// Kind is the stable cause reported to callers for a failed request.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindProxy            Kind = "proxy handshake failed"
	KindTooManyRedirects Kind = "too many redirects"
	KindDNS              Kind = "dns lookup failed"
	KindRefused          Kind = "connection refused"
	KindTLS              Kind = "tls handshake failed"
	KindNoHealthyProxy   Kind = "no healthy proxy"
	KindProxyList        Kind = "proxy list unavailable"
	KindBodyRead         Kind = "body read failed"
	KindRequest          Kind = "request failed"
)

// ErrTooManyRedirects is returned when a request exceeds its redirect bound.
var ErrTooManyRedirects = errors.New("too many redirects")

// TransportError is a request failure classified by Kind.
type TransportError struct {
	Kind  Kind
	Op    string // e.g. "proxy_dial", "tls_handshake", "read_body"
	Host  string
	Proxy string // redacted proxy endpoint, empty for direct connections
	Cause error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Host != "" {
		b.WriteString(" ")
		b.WriteString(e.Host)
	}
	if e.Proxy != "" {
		b.WriteString(" via ")
		b.WriteString(e.Proxy)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewProxyError reports a failure talking to the proxy itself.
func NewProxyError(op string, ep *proxy.Endpoint, err error) *TransportError {
	return &TransportError{Kind: KindProxy, Op: op, Proxy: endpointName(ep), Cause: err}
}

// NewTLSError reports a failed TLS handshake with host.
func NewTLSError(op, host string, err error) *TransportError {
	return &TransportError{Kind: KindTLS, Op: op, Host: host, Cause: err}
}

// Classify maps any error produced while executing a request to a
// *TransportError. Redirect overflow wins over everything, then timeouts,
// then the kind of an already classified error, then DNS, TLS and
// connection refusals.
func Classify(err error, ep *proxy.Endpoint) *TransportError {
	if err == nil {
		return nil
	}

	var inner *TransportError
	hasInner := errors.As(err, &inner)

	kind := KindRequest
	switch {
	case errors.Is(err, ErrTooManyRedirects):
		kind = KindTooManyRedirects
	case isTimeout(err):
		kind = KindTimeout
	case errors.Is(err, proxy.ErrNoHealthyProxy):
		kind = KindNoHealthyProxy
	case errors.Is(err, proxy.ErrListUnavailable):
		kind = KindProxyList
	case hasInner:
		kind = inner.Kind
	case isDNS(err):
		kind = KindDNS
	case isTLS(err):
		kind = KindTLS
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	}

	out := &TransportError{Kind: kind, Proxy: endpointName(ep), Cause: err}
	if hasInner && kind == inner.Kind {
		out.Op, out.Host, out.Cause = inner.Op, inner.Host, inner.Cause
		if out.Proxy == "" {
			out.Proxy = inner.Proxy
		}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isDNS(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTLS(err error) bool {
	var (
		recErr   tls.RecordHeaderError
		alertErr tls.AlertError
		verifErr *tls.CertificateVerificationError
		authErr  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		certErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recErr), errors.As(err, &alertErr), errors.As(err, &verifErr),
		errors.As(err, &authErr), errors.As(err, &hostErr), errors.As(err, &certErr):
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

func endpointName(ep *proxy.Endpoint) string {
	if ep == nil {
		return ""
	}
	return ep.String()
}

// ReadError classifies an error returned while reading a response body
// obtained from Executor.Do. Failures without a more specific cause are
// reported as KindBodyRead.
func ReadError(err error, ep *proxy.Endpoint) *TransportError {
	te := Classify(err, ep)
	if te.Kind == KindRequest {
		te.Kind = KindBodyRead
	}
	if te.Op == "" {
		te.Op = "read_body"
	}
	return te
}
