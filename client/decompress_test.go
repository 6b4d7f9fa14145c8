package client

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func encode(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatal(err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	default:
		t.Fatalf("unknown coding %s", coding)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeReader(t *testing.T) {
	payload := []byte(strings.Repeat("proxycloak ", 200))

	tests := []struct {
		name    string
		header  string
		body    []byte
		decoded bool
	}{
		{"identity", "", payload, false},
		{"explicit identity", "identity", payload, false},
		{"gzip", "gzip", encode(t, "gzip", payload), true},
		{"x-gzip", "x-gzip", encode(t, "gzip", payload), true},
		{"deflate zlib", "deflate", encode(t, "deflate", payload), true},
		{"deflate raw", "deflate", encode(t, "raw-deflate", payload), true},
		{"br", "br", encode(t, "br", payload), true},
		{"zstd", "ZSTD", encode(t, "zstd", payload), true},
		{"stacked", "gzip, br", encode(t, "br", encode(t, "gzip", payload)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, closeFn, decoded, err := decodeReader(bytes.NewReader(tt.body), tt.header)
			if err != nil {
				t.Fatalf("decodeReader: %v", err)
			}
			defer closeFn()
			if decoded != tt.decoded {
				t.Errorf("expected decoded=%v, got %v", tt.decoded, decoded)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("expected payload back, got %d bytes", len(got))
			}
		})
	}
}

func TestDecodeReaderUnknownCoding(t *testing.T) {
	raw := []byte("opaque")
	r, closeFn, decoded, err := decodeReader(bytes.NewReader(raw), "gzip, compress")
	if err != nil {
		t.Fatalf("decodeReader: %v", err)
	}
	defer closeFn()
	if decoded {
		t.Errorf("expected body kept as is")
	}
	got, _ := io.ReadAll(r)
	if string(got) != "opaque" {
		t.Errorf("expected opaque, got %q", got)
	}
}

func TestDecodeReaderCorrupt(t *testing.T) {
	_, _, _, err := decodeReader(strings.NewReader("not gzip at all"), "gzip")
	if err == nil {
		t.Fatal("expected error for corrupt gzip header")
	}
}

func TestDecodeReaderEmptyBody(t *testing.T) {
	r, closeFn, _, err := decodeReader(strings.NewReader(""), "gzip")
	if err != nil {
		t.Fatalf("decodeReader: %v", err)
	}
	defer closeFn()
	got, _ := io.ReadAll(r)
	if len(got) != 0 {
		t.Errorf("expected empty body, got %q", got)
	}
}

func TestReadLimited(t *testing.T) {
	tests := []struct {
		body      string
		limit     int64
		expected  string
		truncated bool
	}{
		{"hello", 10, "hello", false},
		{"hello", 5, "hello", false},
		{"hello", 4, "hell", true},
		{"", 4, "", false},
	}

	for _, tt := range tests {
		got, truncated, err := readLimited(strings.NewReader(tt.body), tt.limit)
		if err != nil {
			t.Fatalf("readLimited: %v", err)
		}
		if string(got) != tt.expected || truncated != tt.truncated {
			t.Errorf("readLimited(%q, %d): expected %q/%v, got %q/%v", tt.body, tt.limit, tt.expected, tt.truncated, got, truncated)
		}
	}
}
