// Package proxycloak is the script-facing request module: it takes the loose
// maps and JSON documents a scripting runtime passes and returns plain
// results, on top of the client engine.
//
// Basic usage:
//
//	m, err := proxycloak.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	err = m.Configure(map[string]any{
//	    "http":  map[string]any{"timeout": "5s", "randomUserAgent": true},
//	    "proxy": map[string]any{"listPath": "./proxies.txt"},
//	})
//
//	res, err := m.Request(ctx, map[string]any{"url": "https://example.test/"})
//	if err != nil {
//	    log.Fatal(err) // malformed request only
//	}
//	fmt.Println(res.Status, res.OK, res.Error)
//
// With options:
//
//	m, err := proxycloak.New(
//	    client.WithLogger(logger),
//	    client.WithProxyQuarantine(30*time.Second),
//	)
package proxycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/sardanioss/proxycloak/client"
	"github.com/sardanioss/proxycloak/config"
	"github.com/sardanioss/proxycloak/protocol"
)

// Module exposes the engine to a scripting runtime.
type Module struct {
	engine *client.Engine
}

// New creates a Module with the default configuration.
func New(opts ...client.Option) (*Module, error) {
	e, err := client.NewEngine(opts...)
	if err != nil {
		return nil, err
	}
	return &Module{engine: e}, nil
}

// Engine returns the underlying engine.
func (m *Module) Engine() *client.Engine {
	return m.engine
}

// Configure replaces the configuration with raw, given in the shape
// {http: {...}, proxy: {...}}. Options not given take their defaults.
func (m *Module) Configure(raw map[string]any) error {
	cfg, err := config.Decode(raw)
	if err != nil {
		return err
	}
	return m.engine.Configure(cfg)
}

// ConfigureJSON is Configure for a JSON document.
func (m *Module) ConfigureJSON(data []byte) error {
	raw, err := decodeJSON(data)
	if err != nil {
		return &config.ConfigError{Field: "(root)", Err: err}
	}
	return m.Configure(raw)
}

// DefaultConfig returns the configuration in effect, in the shape
// Configure accepts.
func (m *Module) DefaultConfig() map[string]any {
	return m.engine.Config().Map()
}

// Preview returns the options a request for raw would run with, without
// sending it.
func (m *Module) Preview(raw map[string]any) (map[string]any, error) {
	spec, err := client.ParseSpec(raw)
	if err != nil {
		return nil, err
	}
	resolved, err := m.engine.Preview(spec)
	if err != nil {
		return nil, err
	}
	out := config.Config{HTTP: resolved.HTTP, Proxy: resolved.Proxy}.Map()
	out["url"] = spec.URL
	out["method"] = spec.Method
	return out, nil
}

// Request performs raw. The error is non-nil only for a malformed request;
// failures on the wire are reported in the Response.
func (m *Module) Request(ctx context.Context, raw map[string]any) (*protocol.Response, error) {
	spec, err := client.ParseSpec(raw)
	if err != nil {
		return nil, err
	}
	res, err := m.engine.Request(ctx, spec)
	if err != nil {
		return nil, err
	}
	return res.Response(), nil
}

// RequestJSON is Request for a JSON document.
func (m *Module) RequestJSON(ctx context.Context, data []byte) (*protocol.Response, error) {
	raw, err := decodeJSON(data)
	if err != nil {
		return nil, &client.ValidationError{Field: "(root)", Err: err}
	}
	return m.Request(ctx, raw)
}

// LoadUserAgents loads the User-Agent list.
func (m *Module) LoadUserAgents(path string) error { return m.engine.LoadUserAgents(path) }

// LoadReferers loads the Referer list.
func (m *Module) LoadReferers(path string) error { return m.engine.LoadReferers(path) }

// LoadPaths loads the path template list.
func (m *Module) LoadPaths(path string) error { return m.engine.LoadPaths(path) }

// LoadProxyList loads a proxy list file ahead of the first request naming
// it.
func (m *Module) LoadProxyList(path string) error { return m.engine.LoadProxyList(path) }

// Reload re-reads every loaded list file that changed on disk.
func (m *Module) Reload() error { return m.engine.Reload() }

func (m *Module) GetRandomUserAgent() string     { return m.engine.RandomUserAgent() }
func (m *Module) GetRandomReferer() string       { return m.engine.RandomReferer() }
func (m *Module) GetRandomPath() string          { return m.engine.RandomPath() }
func (m *Module) GetRandomPathWithQuery() string { return m.engine.RandomPathWithQuery() }

// Close releases all resources held by the module
func (m *Module) Close() {
	m.engine.Close()
}

// decodeJSON decodes an object keeping numbers exact.
func decodeJSON(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return raw, nil
}
