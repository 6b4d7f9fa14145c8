// Package testproxy runs minimal SOCKS5 and HTTP proxies for tests.
package testproxy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// SOCKS5 is a SOCKS5 server supporting CONNECT with no auth or
// username/password auth.
type SOCKS5 struct {
	Addr string

	mu      sync.Mutex
	targets []string

	user, pass string
	ln         net.Listener
	conns      atomic.Int32
}

// StartSOCKS5 starts a server on loopback. With a non-empty user the server
// requires username/password auth.
func StartSOCKS5(t testing.TB, user, pass string) *SOCKS5 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("socks5 listen: %v", err)
	}
	s := &SOCKS5{Addr: ln.Addr().String(), user: user, pass: pass, ln: ln}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

// Targets returns the destinations requested so far.
func (s *SOCKS5) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

// Conns returns the number of accepted client connections.
func (s *SOCKS5) Conns() int {
	return int(s.conns.Load())
}

func (s *SOCKS5) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		go s.handle(c)
	}
}

func (s *SOCKS5) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)

	// Greeting.
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil || hdr[0] != 5 {
		return
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return
	}
	want := byte(0x00)
	if s.user != "" {
		want = 0x02
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
		}
	}
	if !offered {
		c.Write([]byte{5, 0xff})
		return
	}
	c.Write([]byte{5, want})

	if want == 0x02 {
		if err := s.auth(r, c); err != nil {
			return
		}
	}

	// Request.
	req := make([]byte, 4)
	if _, err := io.ReadFull(r, req); err != nil || req[1] != 1 {
		return
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 3:
		n, err := r.ReadByte()
		if err != nil {
			return
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return
		}
		host = string(name)
	case 4:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	default:
		return
	}
	pb := make([]byte, 2)
	if _, err := io.ReadFull(r, pb); err != nil {
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(pb))))

	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	up, err := net.Dial("tcp", target)
	if err != nil {
		c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()
	c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})

	relay(c, r, up)
}

func (s *SOCKS5) auth(r *bufio.Reader, c net.Conn) error {
	ver, err := r.ReadByte()
	if err != nil || ver != 1 {
		return errors.New("bad auth version")
	}
	read := func() (string, error) {
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		_, err = io.ReadFull(r, b)
		return string(b), err
	}
	user, err := read()
	if err != nil {
		return err
	}
	pass, err := read()
	if err != nil {
		return err
	}
	if user != s.user || pass != s.pass {
		c.Write([]byte{1, 1})
		return errors.New("bad credentials")
	}
	c.Write([]byte{1, 0})
	return nil
}

func relay(client net.Conn, clientReader io.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, clientReader)
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

// HTTP is an HTTP proxy: absolute-form requests are forwarded and CONNECT
// requests are tunneled.
type HTTP struct {
	*httptest.Server

	mu       sync.Mutex
	forwards []string
	connects []string
	auths    []string

	rejectConnect atomic.Bool
}

// RejectConnect makes the proxy answer CONNECT with 403.
func (p *HTTP) RejectConnect() {
	p.rejectConnect.Store(true)
}

// StartHTTP starts an HTTP proxy on loopback.
func StartHTTP(t testing.TB) *HTTP {
	t.Helper()
	p := &HTTP{}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Server.Close)
	return p
}

// Forwards returns the absolute URLs of forwarded requests.
func (p *HTTP) Forwards() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.forwards...)
}

// Connects returns the authorities of CONNECT requests.
func (p *HTTP) Connects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.connects...)
}

// Auths returns the Proxy-Authorization values received.
func (p *HTTP) Auths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.auths...)
}

func (p *HTTP) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	if a := r.Header.Get("Proxy-Authorization"); a != "" {
		p.auths = append(p.auths, a)
	}
	p.mu.Unlock()

	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}

	p.mu.Lock()
	p.forwards = append(p.forwards, r.URL.String())
	p.mu.Unlock()

	out, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	out.Header.Del("Proxy-Authorization")
	resp, err := http.DefaultTransport.RoundTrip(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Forwarded-By", "testproxy")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *HTTP) tunnel(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.connects = append(p.connects, r.Host)
	p.mu.Unlock()

	if p.rejectConnect.Load() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	up, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer up.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	c, brw, err := hj.Hijack()
	if err != nil {
		return
	}
	defer c.Close()
	if _, err := c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return
	}
	relay(c, brw.Reader, up)
}
