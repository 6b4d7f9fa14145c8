package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/sardanioss/proxycloak"
	"github.com/sardanioss/proxycloak/client"
	"github.com/sardanioss/proxycloak/protocol"
	"github.com/sardanioss/proxycloak/resource"
)

// run feeds lines to a fresh daemon and returns its replies by id.
func run(t *testing.T, lines ...string) map[string]protocol.Reply {
	t.Helper()
	m, err := proxycloak.New(client.WithRand(resource.NewRand(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	var out bytes.Buffer
	d := NewDaemon(m, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out, zap.NewNop())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	replies := make(map[string]protocol.Reply)
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r protocol.Reply
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal reply %q: %v", sc.Text(), err)
		}
		replies[r.ID] = r
	}
	return replies
}

func TestPing(t *testing.T) {
	got := run(t, `{"id": "ping-1", "type": "ping"}`)["ping-1"]
	if got.Type != protocol.TypePong || got.Version != version {
		t.Errorf("expected pong %s, got %+v", version, got)
	}
}

func TestPresetList(t *testing.T) {
	got := run(t, `{"id": "p", "type": "preset.list"}`)["p"]
	if got.Type != protocol.TypePresetList || len(got.Presets) == 0 {
		t.Errorf("expected presets, got %+v", got)
	}
}

func TestRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Method + " " + r.Header.Get("X-Test")))
	}))
	defer srv.Close()

	replies := run(t,
		`{"id": "r1", "type": "request", "request": {"url": "`+srv.URL+`", "method": "POST", "headers": {"X-Test": "1"}}}`,
		`{"id": "r2", "type": "request", "request": {"method": "GET"}}`,
	)

	r1 := replies["r1"]
	if r1.Type != protocol.TypeResponse || r1.Response == nil {
		t.Fatalf("expected a response, got %+v", r1)
	}
	if r1.Response.Status != 200 || r1.Response.Body != "POST 1" {
		t.Errorf("expected 200 \"POST 1\", got %d %q", r1.Response.Status, r1.Response.Body)
	}

	r2 := replies["r2"]
	if r2.Type != protocol.TypeError || r2.Error.Code != protocol.ErrCodeInvalidRequest || r2.Error.Field != "url" {
		t.Errorf("expected INVALID_REQUEST on url, got %+v", r2.Error)
	}
}

func TestConfig(t *testing.T) {
	replies := run(t,
		`{"id": "set", "type": "config.set", "config": {"http": {"timeout": "2s", "acceptGzip": true}}}`,
		`{"id": "bad", "type": "config.set", "config": {"http": {"timeout": "never"}}}`,
		`{"id": "get", "type": "config.get"}`,
	)

	if set := replies["set"]; set.Type != protocol.TypeConfig {
		t.Errorf("expected config reply, got %+v", set)
	}

	bad := replies["bad"]
	if bad.Type != protocol.TypeError || bad.Error.Code != protocol.ErrCodeInvalidConfig || bad.Error.Field != "http.timeout" {
		t.Errorf("expected INVALID_CONFIG on http.timeout, got %+v", bad.Error)
	}

	h, _ := replies["get"].Config["http"].(map[string]any)
	if h["timeout"] != "2s" || h["acceptGzip"] != true {
		t.Errorf("expected the first configuration to stay, got %v", h)
	}
}

func TestPreview(t *testing.T) {
	got := run(t, `{"id": "pv", "type": "preview", "request": {"url": "http://example.test/", "http": {"maxRedirects": 2}}}`)["pv"]
	if got.Type != protocol.TypePreview {
		t.Fatalf("expected preview, got %+v", got)
	}
	h, _ := got.Config["http"].(map[string]any)
	if h["maxRedirects"] != float64(2) {
		t.Errorf("expected maxRedirects 2, got %v", h["maxRedirects"])
	}
}

func TestLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ua.txt")
	if err := os.WriteFile(path, []byte("Only/1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pathJSON, _ := json.Marshal(path)

	replies := run(t,
		`{"id": "load", "type": "list.load", "list": "userAgents", "path": `+string(pathJSON)+`}`,
		`{"id": "ua", "type": "random", "list": "userAgents"}`,
		`{"id": "path", "type": "random", "list": "pathsWithQuery"}`,
		`{"id": "missing", "type": "list.load", "list": "referers", "path": "/nonexistent/referers.txt"}`,
		`{"id": "unknown", "type": "random", "list": "cookies"}`,
	)

	if replies["load"].Type != protocol.TypeOK {
		t.Errorf("expected ok, got %+v", replies["load"])
	}
	if got := replies["ua"].Value; got != "Only/1.0" {
		t.Errorf("expected Only/1.0, got %q", got)
	}
	if got := replies["path"].Value; !strings.HasPrefix(got, "/") || !strings.Contains(got, "?") {
		t.Errorf("expected a path with a query, got %q", got)
	}
	if e := replies["missing"].Error; e == nil || e.Code != protocol.ErrCodeLoadFailed {
		t.Errorf("expected LOAD_FAILED, got %+v", e)
	}
	if e := replies["unknown"].Error; e == nil || e.Code != protocol.ErrCodeInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE, got %+v", e)
	}
}

func TestListReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "referers.txt")
	if err := os.WriteFile(path, []byte("https://a.test/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pathJSON, _ := json.Marshal(path)

	replies := run(t,
		`{"id": "empty", "type": "list.reload"}`,
		`{"id": "load", "type": "list.load", "list": "referers", "path": `+string(pathJSON)+`}`,
		`{"id": "reload", "type": "list.reload"}`,
	)
	for _, id := range []string{"empty", "load", "reload"} {
		if replies[id].Type != protocol.TypeOK {
			t.Errorf("%s: expected ok, got %+v", id, replies[id])
		}
	}
}

func TestInvalidMessages(t *testing.T) {
	replies := run(t,
		`not json`,
		`{"id": "x", "type": "teleport"}`,
	)
	if e := replies[""].Error; e == nil || e.Code != protocol.ErrCodeInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE for bad JSON, got %+v", e)
	}
	if e := replies["x"].Error; e == nil || e.Code != protocol.ErrCodeInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE for unknown type, got %+v", e)
	}
}

func TestShutdown(t *testing.T) {
	replies := run(t,
		`{"id": "bye", "type": "shutdown"}`,
		`{"id": "late", "type": "ping"}`,
	)
	if replies["bye"].Type != protocol.TypeOK {
		t.Errorf("expected ok, got %+v", replies["bye"])
	}
	if _, ok := replies["late"]; ok {
		t.Error("expected no reply after shutdown")
	}
}
