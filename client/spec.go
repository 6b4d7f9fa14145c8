package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/sardanioss/proxycloak/config"
)

// Spec describes one request. HTTP and Proxy shadow the configured
// options; Headers are merged over the configured headers, Spec keys
// winning.
type Spec struct {
	URL     string
	Method  string
	Body    []byte
	Headers map[string]string
	HTTP    config.HTTPOverrides
	Proxy   config.ProxyOverrides
}

// ValidationError reports a malformed Spec. It is the only error Request
// returns; everything that goes wrong on the wire is reported in the
// Result.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid request: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid request: %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var (
	errEmptyURL          = errors.New("url is required")
	errUnsupportedScheme = errors.New("scheme must be http or https")
	errMissingHost       = errors.New("host is required")
	errInvalidMethod     = errors.New("not a valid HTTP method")
)

// target validates s and returns its parsed URL and upper-cased method.
func (s *Spec) target() (*url.URL, string, error) {
	raw := strings.TrimSpace(s.URL)
	if raw == "" {
		return nil, "", &ValidationError{Field: "url", Err: errEmptyURL}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", &ValidationError{Field: "url", Value: raw, Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return nil, "", &ValidationError{Field: "url", Value: raw, Err: errUnsupportedScheme}
	}
	if u.Host == "" {
		return nil, "", &ValidationError{Field: "url", Value: raw, Err: errMissingHost}
	}

	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "" {
		method = http.MethodGet
	}
	// Methods are tokens, the same grammar as header field names.
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, "", &ValidationError{Field: "method", Value: s.Method, Err: errInvalidMethod}
	}
	return u, method, nil
}

// ParseSpec builds a Spec from the loose map a script passes:
//
//	{url, method, body, headers, http: {...}, proxy: {...}}
//
// Flat legacy option keys ("timeout", "proxy": "socks5://...") are
// accepted as for the configuration. Unknown keys and bad option values
// are reported as *ValidationError.
func ParseSpec(raw map[string]any) (*Spec, error) {
	s := &Spec{}
	options := make(map[string]any, len(raw))

	for k, v := range raw {
		switch strings.ToLower(k) {
		case "url":
			str, ok := v.(string)
			if !ok && v != nil {
				return nil, &ValidationError{Field: "url", Err: fmt.Errorf("expected a string, got %T", v)}
			}
			s.URL = str
		case "method":
			str, ok := v.(string)
			if !ok && v != nil {
				return nil, &ValidationError{Field: "method", Err: fmt.Errorf("expected a string, got %T", v)}
			}
			s.Method = str
		case "body":
			body, err := encodeBody(v)
			if err != nil {
				return nil, &ValidationError{Field: "body", Err: err}
			}
			s.Body = body
		case "headers":
			if v == nil {
				continue
			}
			h, err := config.DecodeHeaders("headers", v)
			if err != nil {
				return nil, &ValidationError{Field: "headers", Err: err}
			}
			s.Headers = h
		default:
			options[k] = v
		}
	}

	sections, err := config.Split(options)
	if err != nil {
		return nil, optionError(err)
	}
	for k := range sections.Rest {
		return nil, &ValidationError{Field: k, Err: errors.New("unknown option")}
	}
	if s.HTTP, err = config.DecodeHTTPOverrides(sections.HTTP); err != nil {
		return nil, optionError(err)
	}
	if s.Proxy, err = config.DecodeProxyOverrides(sections.Proxy); err != nil {
		return nil, optionError(err)
	}
	return s, nil
}

// encodeBody accepts strings and bytes as is and encodes anything else
// as JSON.
func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	}
	return json.Marshal(v)
}

func optionError(err error) error {
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return &ValidationError{Field: ce.Field, Err: ce.Err}
	}
	return &ValidationError{Field: "(options)", Err: err}
}
