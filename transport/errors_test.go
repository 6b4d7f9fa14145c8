package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/sardanioss/proxycloak/proxy"
)

func TestClassify(t *testing.T) {
	ep, _ := proxy.Parse("socks5://user:pw@127.0.0.1:1080")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"redirects", &url.Error{Op: "Get", URL: "http://a", Err: ErrTooManyRedirects}, KindTooManyRedirects},
		{"deadline", &url.Error{Op: "Get", URL: "http://a", Err: context.DeadlineExceeded}, KindTimeout},
		{"os deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), KindTimeout},
		{"proxy", &url.Error{Op: "Get", URL: "http://a", Err: NewProxyError("socks5_connect", ep, errors.New("boom"))}, KindProxy},
		{"proxy timeout", NewProxyError("proxy_dial", ep, context.DeadlineExceeded), KindTimeout},
		{"dns", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "x.test"}}, KindDNS},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, KindRefused},
		{"tls", errors.New("remote error: tls: handshake failure"), KindTLS},
		{"no healthy", fmt.Errorf("select: %w", proxy.ErrNoHealthyProxy), KindNoHealthyProxy},
		{"list", fmt.Errorf("%w: missing", proxy.ErrListUnavailable), KindProxyList},
		{"other", errors.New("unexpected EOF"), KindRequest},
	}

	for _, tt := range tests {
		got := Classify(tt.err, ep)
		if got.Kind != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, got.Kind)
		}
		if !errors.Is(got, tt.err) && got.Cause == nil {
			t.Errorf("%s: cause lost", tt.name)
		}
		if strings.Contains(got.Error(), "pw@") {
			t.Errorf("%s: credentials leaked in %q", tt.name, got.Error())
		}
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil, nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestReadError(t *testing.T) {
	if k := ReadError(errors.New("unexpected EOF"), nil).Kind; k != KindBodyRead {
		t.Errorf("expected body read failed, got %q", k)
	}
	if k := ReadError(context.DeadlineExceeded, nil).Kind; k != KindTimeout {
		t.Errorf("expected timeout, got %q", k)
	}
}

func TestTransportErrorMessage(t *testing.T) {
	ep, _ := proxy.Parse("socks5://127.0.0.1:1")
	err := NewProxyError("socks5_connect", ep, errors.New("connection refused"))
	want := "proxy handshake failed: socks5_connect via socks5://127.0.0.1:1: connection refused"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
