package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sardanioss/proxycloak/internal/testproxy"
	"github.com/sardanioss/proxycloak/proxy"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func defaultOptions() Options {
	return Options{Timeout: 5 * time.Second, FollowRedirects: true, MaxRedirects: 10}
}

func mustEndpoint(t *testing.T, raw string) *proxy.Endpoint {
	t.Helper()
	ep, err := proxy.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return ep
}

func get(t *testing.T, e *Executor, url string, ep *proxy.Endpoint, opts Options) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := e.Do(req, ep, opts)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body), nil
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	return te.Kind
}

func TestDoDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	resp, body, err := get(t, newExecutor(t), srv.URL+"/get", nil, defaultOptions())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 || body != "hello" {
		t.Errorf("expected 200 hello, got %d %q", resp.StatusCode, body)
	}
}

func TestDoErrorStatusIsNotFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, _, err := get(t, newExecutor(t), srv.URL, nil, defaultOptions())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func redirectServer(hops int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/r/%d", &n)
		if n < hops {
			http.Redirect(w, r, fmt.Sprintf("/r/%d", n+1), http.StatusFound)
			return
		}
		fmt.Fprint(w, "done")
	}))
}

func TestRedirects(t *testing.T) {
	srv := redirectServer(3)
	defer srv.Close()
	e := newExecutor(t)

	tests := []struct {
		name       string
		follow     bool
		max        int
		wantStatus int
		wantKind   Kind
	}{
		{"follow within bound", true, 3, 200, ""},
		{"follow exceeding bound", true, 2, 0, KindTooManyRedirects},
		{"no follow", false, 10, http.StatusFound, ""},
	}

	for _, tt := range tests {
		opts := defaultOptions()
		opts.FollowRedirects = tt.follow
		opts.MaxRedirects = tt.max

		resp, _, err := get(t, e, srv.URL+"/r/0", nil, opts)
		if tt.wantKind != "" {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
				continue
			}
			if k := kindOf(t, err); k != tt.wantKind {
				t.Errorf("%s: expected kind %q, got %q", tt.name, tt.wantKind, k)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tt.name, tt.wantStatus, resp.StatusCode)
		}
	}
}

func TestTimeoutCoversBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := defaultOptions()
	opts.Timeout = 200 * time.Millisecond
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := newExecutor(t).Do(req, nil, opts)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected body read to fail after the deadline")
	}
	if k := ReadError(err, nil).Kind; k != KindTimeout {
		t.Errorf("expected timeout, got %q", k)
	}
}

func TestTimeoutBeforeHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := defaultOptions()
	opts.Timeout = 100 * time.Millisecond
	_, _, err := get(t, newExecutor(t), srv.URL, nil, opts)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if k := kindOf(t, err); k != KindTimeout {
		t.Errorf("expected timeout, got %q", k)
	}
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, _, err := get(t, newExecutor(t), url, nil, defaultOptions())
	if err == nil {
		t.Fatal("expected error")
	}
	if k := kindOf(t, err); k != KindRefused {
		t.Errorf("expected connection refused, got %q", k)
	}
}

func TestTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Proto)
	}))
	defer srv.Close()
	e := newExecutor(t)

	_, _, err := get(t, e, srv.URL, nil, defaultOptions())
	if err == nil {
		t.Fatal("expected certificate error")
	}
	if k := kindOf(t, err); k != KindTLS {
		t.Errorf("expected tls handshake failed, got %q", k)
	}

	opts := defaultOptions()
	opts.InsecureSkipVerify = true
	resp, _, err := get(t, e, srv.URL, nil, opts)
	if err != nil {
		t.Fatalf("insecure request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDisableHTTP2(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Proto)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()
	e := newExecutor(t)

	opts := defaultOptions()
	opts.InsecureSkipVerify = true
	resp, body, err := get(t, e, srv.URL, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProtoMajor != 2 || body != "HTTP/2.0" {
		t.Errorf("expected HTTP/2 by default, got %s / %s", resp.Proto, body)
	}

	opts.DisableHTTP2 = true
	resp, body, err = get(t, e, srv.URL, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProtoMajor != 1 || body != "HTTP/1.1" {
		t.Errorf("expected HTTP/1.1, got %s / %s", resp.Proto, body)
	}
}

func TestSOCKS5Proxy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "via socks")
	}))
	defer target.Close()

	tests := []struct {
		name       string
		user, pass string
		proxyURL   func(addr string) string
	}{
		{"no auth", "", "", func(addr string) string { return "socks5://" + addr }},
		{"auth socks5h", "alice", "s3cret", func(addr string) string { return "socks5h://alice:s3cret@" + addr }},
	}

	for _, tt := range tests {
		srv := testproxy.StartSOCKS5(t, tt.user, tt.pass)
		ep := mustEndpoint(t, tt.proxyURL(srv.Addr))

		resp, body, err := get(t, newExecutor(t), target.URL, ep, defaultOptions())
		if err != nil {
			t.Errorf("%s: Do: %v", tt.name, err)
			continue
		}
		if resp.StatusCode != 200 || body != "via socks" {
			t.Errorf("%s: expected 200 via socks, got %d %q", tt.name, resp.StatusCode, body)
		}
		if targets := srv.Targets(); len(targets) != 1 || targets[0] != strings.TrimPrefix(target.URL, "http://") {
			t.Errorf("%s: unexpected proxy targets %v", tt.name, targets)
		}
	}
}

func TestSOCKS5BadCredentials(t *testing.T) {
	srv := testproxy.StartSOCKS5(t, "alice", "right")
	ep := mustEndpoint(t, "socks5://alice:wrong@"+srv.Addr)

	_, _, err := get(t, newExecutor(t), "http://127.0.0.1:9/", ep, defaultOptions())
	if err == nil {
		t.Fatal("expected error")
	}
	if k := kindOf(t, err); k != KindProxy {
		t.Errorf("expected proxy handshake failed, got %q", k)
	}
}

func TestUnreachableProxyNeverFallsBack(t *testing.T) {
	hits := 0
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer target.Close()

	for _, raw := range []string{"socks5://127.0.0.1:1", "http://127.0.0.1:1"} {
		_, _, err := get(t, newExecutor(t), target.URL, mustEndpoint(t, raw), defaultOptions())
		if err == nil {
			t.Fatalf("%s: expected error", raw)
		}
		if k := kindOf(t, err); k != KindProxy {
			t.Errorf("%s: expected proxy handshake failed, got %q", raw, k)
		}
	}
	if hits != 0 {
		t.Errorf("target reached directly %d times", hits)
	}
}

func TestHTTPProxyForward(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "forwarded")
	}))
	defer target.Close()
	px := testproxy.StartHTTP(t)

	ep := mustEndpoint(t, "http://bob:pw@"+strings.TrimPrefix(px.URL, "http://"))
	resp, body, err := get(t, newExecutor(t), target.URL+"/x", ep, defaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if body != "forwarded" || resp.Header.Get("X-Forwarded-By") != "testproxy" {
		t.Errorf("response did not pass through the proxy: %q %v", body, resp.Header)
	}
	if f := px.Forwards(); len(f) != 1 || f[0] != target.URL+"/x" {
		t.Errorf("unexpected forwards %v", f)
	}
	if a := px.Auths(); len(a) != 1 || a[0] != basicAuth("bob", "pw") {
		t.Errorf("expected basic proxy auth, got %v", a)
	}
}

func TestHTTPProxyConnect(t *testing.T) {
	target := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tunneled")
	}))
	defer target.Close()
	px := testproxy.StartHTTP(t)
	ep := mustEndpoint(t, px.URL)

	opts := defaultOptions()
	opts.InsecureSkipVerify = true
	_, body, err := get(t, newExecutor(t), target.URL, ep, opts)
	if err != nil {
		t.Fatal(err)
	}
	if body != "tunneled" {
		t.Errorf("expected tunneled, got %q", body)
	}
	if c := px.Connects(); len(c) != 1 || c[0] != strings.TrimPrefix(target.URL, "https://") {
		t.Errorf("unexpected CONNECTs %v", c)
	}
}

func TestHTTPProxyConnectRejected(t *testing.T) {
	target := httptest.NewTLSServer(http.NotFoundHandler())
	defer target.Close()
	px := testproxy.StartHTTP(t)
	px.RejectConnect()

	opts := defaultOptions()
	opts.InsecureSkipVerify = true
	_, _, err := get(t, newExecutor(t), target.URL, mustEndpoint(t, px.URL), opts)
	if err == nil {
		t.Fatal("expected error")
	}
	if k := kindOf(t, err); k != KindProxy {
		t.Errorf("expected proxy handshake failed, got %q", k)
	}
}

func TestFingerprintedTLS(t *testing.T) {
	target := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Proto)
	}))
	defer target.Close()
	e := newExecutor(t)

	opts := defaultOptions()
	opts.InsecureSkipVerify = true
	opts.Fingerprint = "firefox"
	_, body, err := get(t, e, target.URL, nil, opts)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if body != "HTTP/1.1" {
		t.Errorf("expected HTTP/1.1, got %q", body)
	}

	// Through a CONNECT proxy the tunnel is dialed by hand.
	px := testproxy.StartHTTP(t)
	_, body, err = get(t, e, target.URL, mustEndpoint(t, px.URL), opts)
	if err != nil {
		t.Fatalf("via proxy: %v", err)
	}
	if body != "HTTP/1.1" {
		t.Errorf("expected HTTP/1.1, got %q", body)
	}
	if len(px.Connects()) != 1 {
		t.Errorf("expected one CONNECT, got %v", px.Connects())
	}

	// Plain http targets are still forwarded.
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain")
	}))
	defer plain.Close()
	_, body, err = get(t, e, plain.URL, mustEndpoint(t, px.URL), opts)
	if err != nil || body != "plain" {
		t.Fatalf("plain via proxy: %q %v", body, err)
	}
	if len(px.Forwards()) != 1 {
		t.Errorf("expected one forward, got %v", px.Forwards())
	}
}

func TestFingerprintCertificateError(t *testing.T) {
	target := httptest.NewTLSServer(http.NotFoundHandler())
	defer target.Close()

	opts := defaultOptions()
	opts.Fingerprint = "chrome"
	_, _, err := get(t, newExecutor(t), target.URL, nil, opts)
	if err == nil {
		t.Fatal("expected certificate error")
	}
	if k := kindOf(t, err); k != KindTLS {
		t.Errorf("expected tls handshake failed, got %q", k)
	}
}

func TestUnknownFingerprint(t *testing.T) {
	opts := defaultOptions()
	opts.Fingerprint = "mosaic-1"
	_, _, err := get(t, newExecutor(t), "https://127.0.0.1:1/", nil, opts)
	if err == nil {
		t.Fatal("expected error")
	}
}

func cachedTransport(t *testing.T, e *Executor, ep *proxy.Endpoint, opts Options) *http.Transport {
	t.Helper()
	rt, err := e.transport(transportKey(ep, opts), ep, opts)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func TestTransportCacheReuse(t *testing.T) {
	e := newExecutor(t)
	ep := mustEndpoint(t, "socks5://127.0.0.1:1080")

	a := cachedTransport(t, e, ep, defaultOptions())
	if b := cachedTransport(t, e, ep, defaultOptions()); a != b {
		t.Error("expected the cached transport to be reused")
	}

	opts := defaultOptions()
	opts.DisableHTTP2 = true
	if c := cachedTransport(t, e, ep, opts); c == a {
		t.Error("different options must not share a transport")
	}

	// Redirect and timeout settings are per request, not per transport.
	opts = defaultOptions()
	opts.FollowRedirects = false
	opts.Timeout = time.Second
	if d := cachedTransport(t, e, ep, opts); d != a {
		t.Error("per-request settings should reuse the transport")
	}
}

func TestTransportCacheManyRoutes(t *testing.T) {
	e := newExecutor(t)

	const n = 100
	first := make([]*http.Transport, n)
	for i := range first {
		ep := mustEndpoint(t, fmt.Sprintf("http://10.0.0.%d:8080", i+1))
		first[i] = cachedTransport(t, e, ep, defaultOptions())
	}

	rebuilt := 0
	for i := range first {
		ep := mustEndpoint(t, fmt.Sprintf("http://10.0.0.%d:8080", i+1))
		if cachedTransport(t, e, ep, defaultOptions()) != first[i] {
			rebuilt++
		}
	}
	if rebuilt != 0 {
		t.Errorf("expected all %d routes to stay cached, %d were rebuilt", n, rebuilt)
	}
}

func TestCloseClearsDNS(t *testing.T) {
	e, err := New(WithDNSCleanup(10 * time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.DNS().Resolve(context.Background(), "localhost"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if total, _ := e.DNS().Stats(); total != 1 {
		t.Fatalf("expected 1 cached host, got %d", total)
	}

	e.Close()
	if total, _ := e.DNS().Stats(); total != 0 {
		t.Errorf("expected an empty dns cache after Close, got %d", total)
	}
}

func TestCallerContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := newExecutor(t).Do(req, nil, defaultOptions()); err == nil {
		t.Fatal("expected error after cancel")
	}
}
