package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is advertised when acceptGzip is enabled. Every listed
// coding can be decoded.
const AcceptEncoding = "gzip, deflate, br, zstd"

var supported = map[string]bool{"gzip": true, "x-gzip": true, "deflate": true, "br": true, "zstd": true}

// decoder wraps r to undo one content coding. Unknown codings are an
// error so the caller can keep the raw body.
func decoder(coding string, r io.Reader) (io.ReadCloser, error) {
	switch coding {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return deflateReader(r)
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", coding)
}

// deflateReader handles both zlib-wrapped deflate, which is what the
// coding means, and the raw deflate streams some servers send instead.
func deflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// codings splits a Content-Encoding header into the codings to undo, in
// the order they have to be undone. identity is dropped.
func codings(header string) []string {
	var out []string
	for _, c := range strings.Split(header, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// decodeReader stacks a decoder for every coding in header. The returned
// close function releases all of them. If a coding is unknown, body is
// returned unchanged and decoded is false.
func decodeReader(body io.Reader, header string) (r io.Reader, closeFn func(), decoded bool, err error) {
	cs := codings(header)
	if len(cs) == 0 {
		return body, func() {}, false, nil
	}
	for _, c := range cs {
		if !supported[c] {
			return body, func() {}, false, nil
		}
	}

	var closers []io.Closer
	closeFn = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}
	r = body
	for _, c := range cs {
		rc, err := decoder(c, r)
		if errors.Is(err, io.EOF) {
			// Empty body despite the Content-Encoding header.
			closeFn()
			return strings.NewReader(""), func() {}, true, nil
		}
		if err != nil {
			closeFn()
			return nil, func() {}, false, fmt.Errorf("%s: %w", c, err)
		}
		closers = append(closers, rc)
		r = rc
	}
	return r, closeFn, true, nil
}

// readLimited reads at most limit bytes from r and reports whether more
// were available.
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return data, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
