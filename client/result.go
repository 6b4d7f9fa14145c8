package client

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/sardanioss/proxycloak/config"
	"github.com/sardanioss/proxycloak/protocol"
	"github.com/sardanioss/proxycloak/proxy"
	"github.com/sardanioss/proxycloak/transport"
)

// Result is the outcome of a request. OK is false only for transport-level
// failures; HTTP error statuses are successful results.
type Result struct {
	ID      string
	Status  int
	Body    []byte
	Headers http.Header
	OK      bool

	// Error is the stable cause of a failure and Detail the full text.
	Error  string
	Detail string

	URL   string // final URL after redirects
	Proto string
	Proxy string // redacted proxy, empty for direct connections

	// Truncated is set when the body exceeded maxBodySize.
	Truncated bool

	// Uncompressed is set when the body was decoded from its
	// Content-Encoding. Content-Encoding and Content-Length are then
	// dropped from Headers.
	Uncompressed bool

	Timing protocol.Timing
}

// Response converts r to the script-facing shape.
func (r *Result) Response() *protocol.Response {
	timing := r.Timing
	return &protocol.Response{
		ID:        r.ID,
		Status:    r.Status,
		Body:      string(r.Body),
		Headers:   r.Headers,
		OK:        r.OK,
		Error:     r.Error,
		Detail:    r.Detail,
		URL:       r.URL,
		Proto:     r.Proto,
		Proxy:     r.Proxy,
		Truncated: r.Truncated,
		Timing:    &timing,
	}
}

// failed returns a failure Result for err.
func failed(id string, err *transport.TransportError) *Result {
	return &Result{
		ID:     id,
		Error:  string(err.Kind),
		Detail: err.Error(),
		Proxy:  err.Proxy,
	}
}

// normalize reads resp into a Result and closes its body.
func normalize(id string, resp *http.Response, ep *proxy.Endpoint, opts config.HTTP) (*Result, *transport.TransportError) {
	defer resp.Body.Close()

	res := &Result{
		ID:      id,
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		OK:      true,
		URL:     resp.Request.URL.String(),
		Proto:   resp.Proto,
	}
	if ep != nil {
		res.Proxy = ep.String()
	}
	if res.Headers == nil {
		res.Headers = http.Header{}
	}

	if opts.DiscardBody {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return nil, transport.ReadError(err, ep)
		}
		return res, nil
	}

	var body io.Reader = resp.Body
	if !opts.SkipDecompress && resp.Request.Method != http.MethodHead {
		r, closeFn, decoded, err := decodeReader(resp.Body, resp.Header.Get("Content-Encoding"))
		if err != nil {
			return nil, transport.ReadError(err, ep)
		}
		defer closeFn()
		body = r
		if decoded {
			res.Uncompressed = true
			res.Headers.Del("Content-Encoding")
			res.Headers.Del("Content-Length")
		}
	}

	data, truncated, err := readLimited(body, opts.MaxBodySize)
	if err != nil {
		return nil, transport.ReadError(err, ep)
	}
	res.Body = data
	res.Truncated = truncated
	return res, nil
}

// timer records connection phases through httptrace. Hooks may fire on
// dial goroutines, so every field is guarded.
type timer struct {
	mu       sync.Mutex
	start    time.Time
	dnsStart time.Time
	conStart time.Time
	tlsStart time.Time
	timing   protocol.Timing
	gotConn  bool
}

func newTimer() *timer {
	return &timer{start: time.Now()}
}

func (t *timer) trace(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.timing.DNSLookup += ms(time.Since(t.dnsStart))
			t.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			t.mu.Lock()
			t.conStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			t.mu.Lock()
			t.timing.TCPConnect += ms(time.Since(t.conStart))
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mu.Lock()
			t.timing.TLSHandshake += ms(time.Since(t.tlsStart))
			t.mu.Unlock()
		},
		GotConn: func(httptrace.GotConnInfo) {
			t.mu.Lock()
			t.gotConn = true
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			if t.timing.FirstByte == 0 {
				t.timing.FirstByte = ms(time.Since(t.start))
			}
			t.mu.Unlock()
		},
	})
}

// connected reports whether a connection to the target, or through the
// proxy to it, was ever obtained.
func (t *timer) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gotConn
}

func (t *timer) finish() protocol.Timing {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timing.Total = ms(time.Since(t.start))
	return t.timing
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
