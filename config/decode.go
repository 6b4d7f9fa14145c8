package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sections is a loose option map split into its "http" and "proxy" parts.
// Keys that belong to neither are left in Rest under their original spelling.
type Sections struct {
	HTTP  map[string]any
	Proxy map[string]any
	Rest  map[string]any
}

// legacyKeys maps flat top-level keys accepted by older scripts to their
// section. Keys are lower-case.
var legacyKeys = map[string][2]string{
	"timeout":            {"http", "timeout"},
	"insecureskipverify": {"http", "insecureSkipVerify"},
	"disablehttp2":       {"http", "disableHTTP2"},
	"autoreferer":        {"http", "autoReferer"},
	"followredirects":    {"http", "followRedirects"},
	"acceptgzip":         {"http", "acceptGzip"},
	"headers":            {"http", "headers"},
	"proxylistpath":      {"proxy", "listPath"},
}

// Split folds legacy flat keys into their sections. A string "proxy" value
// is taken as proxy.url. Section values that are not maps are an error.
func Split(raw map[string]any) (Sections, error) {
	s := Sections{Rest: map[string]any{}}

	for k, v := range raw {
		switch strings.ToLower(k) {
		case "http":
			m, err := asMap("http", v)
			if err != nil {
				return Sections{}, err
			}
			s.HTTP = mergeInto(s.HTTP, m, true)
		case "proxy":
			if str, ok := v.(string); ok {
				s.Proxy = mergeInto(s.Proxy, map[string]any{"url": str}, true)
				continue
			}
			m, err := asMap("proxy", v)
			if err != nil {
				return Sections{}, err
			}
			s.Proxy = mergeInto(s.Proxy, m, true)
		default:
			if alias, ok := legacyKeys[strings.ToLower(k)]; ok {
				if alias[0] == "http" {
					s.HTTP = mergeInto(s.HTTP, map[string]any{alias[1]: v}, false)
				} else {
					s.Proxy = mergeInto(s.Proxy, map[string]any{alias[1]: v}, false)
				}
				continue
			}
			s.Rest[k] = v
		}
	}
	return s, nil
}

// mergeInto copies src into dst, allocating dst when needed. Keys match
// case-insensitively; nested section keys overwrite, legacy flat aliases
// only fill gaps, so the nested spelling wins either way.
func mergeInto(dst, src map[string]any, overwrite bool) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if existing, ok := lookup(dst, k); ok {
			if !overwrite {
				continue
			}
			delete(dst, existing)
		}
		dst[k] = v
	}
	return dst
}

func lookup(m map[string]any, key string) (string, bool) {
	for k := range m {
		if strings.EqualFold(k, key) {
			return k, true
		}
	}
	return "", false
}

// Parse decodes a JSON document in the Configuration shape.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, &ConfigError{Field: "(root)", Err: err}
	}
	return Decode(raw)
}

// Decode builds a Config from the loose map shape
// {http: {...}, proxy: {...}}. Options not given keep their defaults.
// Unknown keys and unparsable values are reported as *ConfigError.
func Decode(raw map[string]any) (Config, error) {
	s, err := Split(raw)
	if err != nil {
		return Config{}, err
	}
	for k := range s.Rest {
		return Config{}, &ConfigError{Field: k, Err: errors.New("unknown option")}
	}

	ho, err := DecodeHTTPOverrides(s.HTTP)
	if err != nil {
		return Config{}, err
	}
	po, err := DecodeProxyOverrides(s.Proxy)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	cfg.HTTP = ho.Apply(cfg.HTTP)
	cfg.Proxy = po.Apply(cfg.Proxy)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeHTTPOverrides decodes an "http" section, recording which options
// were given.
func DecodeHTTPOverrides(m map[string]any) (HTTPOverrides, error) {
	var o HTTPOverrides
	for k, v := range m {
		if v == nil {
			continue
		}
		field := "http." + k
		var err error
		switch strings.ToLower(k) {
		case "timeout":
			o.Timeout, err = durationPtr(field, v)
		case "insecureskipverify":
			o.InsecureSkipVerify, err = boolPtr(field, v)
		case "disablehttp2":
			o.DisableHTTP2, err = boolPtr(field, v)
		case "autoreferer":
			o.AutoReferer, err = boolPtr(field, v)
		case "followredirects":
			o.FollowRedirects, err = boolPtr(field, v)
		case "maxredirects":
			var n int64
			n, err = asInt(field, v)
			if err == nil {
				if n < 1 {
					err = fieldError(field, v, "must be positive")
				} else {
					i := int(n)
					o.MaxRedirects = &i
				}
			}
		case "acceptgzip":
			o.AcceptGzip, err = boolPtr(field, v)
		case "skipdecompress":
			o.SkipDecompress, err = boolPtr(field, v)
		case "randomuseragent":
			o.RandomUserAgent, err = boolPtr(field, v)
		case "randomreferer":
			o.RandomReferer, err = boolPtr(field, v)
		case "randompath":
			o.RandomPath, err = boolPtr(field, v)
		case "randompathwithquery":
			o.RandomPathWithQuery, err = boolPtr(field, v)
		case "useragentlistpath":
			o.UserAgentListPath, err = stringPtr(field, v)
		case "refererlistpath":
			o.RefererListPath, err = stringPtr(field, v)
		case "pathlistpath":
			o.PathListPath, err = stringPtr(field, v)
		case "discardbody":
			o.DiscardBody, err = boolPtr(field, v)
		case "maxbodysize":
			var n int64
			n, err = asInt(field, v)
			if err == nil {
				if n < 1 {
					err = fieldError(field, v, "must be positive")
				} else {
					o.MaxBodySize = &n
				}
			}
		case "tlsfingerprint":
			o.TLSFingerprint, err = stringPtr(field, v)
		case "headers":
			o.Headers, err = DecodeHeaders(field, v)
		default:
			err = &ConfigError{Field: field, Err: errors.New("unknown option")}
		}
		if err != nil {
			return HTTPOverrides{}, err
		}
	}
	return o, nil
}

// DecodeProxyOverrides decodes a "proxy" section.
func DecodeProxyOverrides(m map[string]any) (ProxyOverrides, error) {
	var o ProxyOverrides
	for k, v := range m {
		if v == nil {
			continue
		}
		field := "proxy." + k
		var err error
		switch strings.ToLower(k) {
		case "url":
			o.URL, err = stringPtr(field, v)
		case "listpath":
			o.ListPath, err = stringPtr(field, v)
		case "disable":
			o.Disable, err = boolPtr(field, v)
		default:
			err = &ConfigError{Field: field, Err: errors.New("unknown option")}
		}
		if err != nil {
			return ProxyOverrides{}, err
		}
	}
	return o, nil
}

func asMap(field string, v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, nil
	default:
		return nil, fieldError(field, v, "expected an object, got %T", v)
	}
}

// ParseBool accepts bools, numbers and the usual textual spellings.
func ParseBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "y", "on":
			return true, nil
		case "0", "false", "no", "n", "off":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", b)
	}
	if f, ok := number(v); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("invalid boolean of type %T", v)
}

// ParseDuration accepts Go duration strings ("6s", "1500ms") and numbers,
// which are taken as milliseconds. The result must be positive.
func ParseDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch s := v.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		d = parsed
	case time.Duration:
		d = s
	default:
		f, ok := number(v)
		if !ok {
			return 0, fmt.Errorf("invalid duration of type %T", v)
		}
		d = time.Duration(f * float64(time.Millisecond))
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return d, nil
}

func boolPtr(field string, v any) (*bool, error) {
	b, err := ParseBool(v)
	if err != nil {
		return nil, &ConfigError{Field: field, Value: v, Err: err}
	}
	return &b, nil
}

func durationPtr(field string, v any) (*time.Duration, error) {
	d, err := ParseDuration(v)
	if err != nil {
		return nil, &ConfigError{Field: field, Value: v, Err: err}
	}
	return &d, nil
}

func stringPtr(field string, v any) (*string, error) {
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		return &s, nil
	case []byte:
		str := strings.TrimSpace(string(s))
		return &str, nil
	}
	return nil, fieldError(field, v, "expected a string, got %T", v)
}

func asInt(field string, v any) (int64, error) {
	if s, ok := v.(string); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, &ConfigError{Field: field, Value: v, Err: err}
		}
		return n, nil
	}
	f, ok := number(v)
	if !ok || f != math.Trunc(f) {
		return 0, fieldError(field, v, "expected an integer")
	}
	return int64(f), nil
}

// DecodeHeaders decodes a header object. Non-string scalar values are
// formatted; nil values are dropped.
func DecodeHeaders(field string, v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, hv := range m {
			switch s := hv.(type) {
			case nil:
				continue
			case string:
				out[k] = s
			case bool:
				out[k] = strconv.FormatBool(s)
			default:
				f, ok := number(hv)
				if !ok {
					return nil, fieldError(field+"."+k, hv, "expected a string, got %T", hv)
				}
				out[k] = strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
		return out, nil
	}
	return nil, fieldError(field, v, "expected an object, got %T", v)
}

// number reports v as float64 for the numeric types scripting runtimes and
// encoding/json produce.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
