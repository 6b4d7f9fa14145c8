package config

import (
	"strings"
	"time"
)

// HTTPOverrides are per-call HTTP options. A nil field means "not given";
// a non-nil field shadows the configured value, including an explicit false.
// Headers are the exception: they are merged, per-call keys winning.
type HTTPOverrides struct {
	Timeout             *time.Duration
	InsecureSkipVerify  *bool
	DisableHTTP2        *bool
	AutoReferer         *bool
	FollowRedirects     *bool
	MaxRedirects        *int
	AcceptGzip          *bool
	SkipDecompress      *bool
	RandomUserAgent     *bool
	RandomReferer       *bool
	RandomPath          *bool
	RandomPathWithQuery *bool
	UserAgentListPath   *string
	RefererListPath     *string
	PathListPath        *string
	DiscardBody         *bool
	MaxBodySize         *int64
	TLSFingerprint      *string
	Headers             map[string]string
}

// ProxyOverrides are per-call proxy options with the same shadowing rules.
type ProxyOverrides struct {
	URL      *string
	ListPath *string
	Disable  *bool
}

// Apply returns base with o layered on top. base is not modified.
func (o HTTPOverrides) Apply(base HTTP) HTTP {
	out := base.Clone()
	setDuration(&out.Timeout, o.Timeout)
	setBool(&out.InsecureSkipVerify, o.InsecureSkipVerify)
	setBool(&out.DisableHTTP2, o.DisableHTTP2)
	setBool(&out.AutoReferer, o.AutoReferer)
	setBool(&out.FollowRedirects, o.FollowRedirects)
	if o.MaxRedirects != nil {
		out.MaxRedirects = *o.MaxRedirects
	}
	setBool(&out.AcceptGzip, o.AcceptGzip)
	setBool(&out.SkipDecompress, o.SkipDecompress)
	setBool(&out.RandomUserAgent, o.RandomUserAgent)
	setBool(&out.RandomReferer, o.RandomReferer)
	setBool(&out.RandomPath, o.RandomPath)
	setBool(&out.RandomPathWithQuery, o.RandomPathWithQuery)
	setString(&out.UserAgentListPath, o.UserAgentListPath)
	setString(&out.RefererListPath, o.RefererListPath)
	setString(&out.PathListPath, o.PathListPath)
	setBool(&out.DiscardBody, o.DiscardBody)
	if o.MaxBodySize != nil {
		out.MaxBodySize = *o.MaxBodySize
	}
	setString(&out.TLSFingerprint, o.TLSFingerprint)
	out.Headers = MergeHeaders(base.Headers, o.Headers)
	out.normalize()
	return out
}

// Apply returns base with o layered on top.
func (o ProxyOverrides) Apply(base Proxy) Proxy {
	out := base
	// A per-call url or listPath replaces the configured source as a whole,
	// so a per-call list is not shadowed by a configured single url.
	if o.URL != nil {
		out.URL = *o.URL
		if o.ListPath == nil {
			out.ListPath = ""
		}
	}
	if o.ListPath != nil {
		out.ListPath = *o.ListPath
		if o.URL == nil {
			out.URL = ""
		}
	}
	setBool(&out.Disable, o.Disable)
	return out
}

// MergeHeaders merges override into base. Keys are compared
// case-insensitively and override wins; the override's spelling is kept.
func MergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		for existing := range out {
			if existing != k && strings.EqualFold(existing, k) {
				delete(out, existing)
			}
		}
		out[k] = v
	}
	return out
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
