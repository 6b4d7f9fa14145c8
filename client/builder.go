package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/sardanioss/proxycloak/config"
	"github.com/sardanioss/proxycloak/fingerprint"
	"github.com/sardanioss/proxycloak/resource"
)

// Builder turns a Spec and its resolved HTTP options into an outgoing
// request. Randomized values only fill gaps: a header given explicitly,
// in the configuration or the Spec, is never replaced.
type Builder struct {
	pool  *resource.Pool
	files *resource.Registry
	log   *zap.Logger
}

// NewBuilder returns a Builder picking from pool. List paths in the
// options that differ from the pool's are loaded through files.
func NewBuilder(pool *resource.Pool, files *resource.Registry, log *zap.Logger) *Builder {
	if files == nil {
		files = resource.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{pool: pool, files: files, log: log}
}

// Build returns the request for spec under opts. The only error is a
// *ValidationError for a malformed spec.
func (b *Builder) Build(ctx context.Context, spec *Spec, opts config.HTTP) (*http.Request, error) {
	u, method, err := spec.target()
	if err != nil {
		return nil, err
	}
	origin := u.String()

	if (opts.RandomPath || opts.RandomPathWithQuery) && (u.Path == "" || u.Path == "/") {
		if err := b.applyPath(u, opts); err != nil {
			return nil, err
		}
	}

	var body *bytes.Reader
	if len(spec.Body) > 0 && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(spec.Body)
	}
	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return nil, &ValidationError{Field: "url", Value: spec.URL, Err: err}
	}

	for k, v := range config.MergeHeaders(opts.Headers, spec.Headers) {
		if http.CanonicalHeaderKey(k) == "Host" {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}

	if !has(req.Header, "User-Agent") {
		b.setUserAgent(req, opts)
	}
	if !has(req.Header, "Referer") {
		ref := ""
		if opts.RandomReferer {
			ref = b.list(b.pool.Referers(), opts.RefererListPath).Pick(b.pool.Rand())
		}
		if ref == "" && opts.AutoReferer {
			ref = origin
		}
		if ref != "" {
			req.Header.Set("Referer", ref)
		}
	}
	if opts.AcceptGzip && !has(req.Header, "Accept-Encoding") {
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	return req, nil
}

// setUserAgent resolves the User-Agent in order: the loaded list, the
// fingerprint profile, then the built-in profile User-Agents. With a
// fingerprint the profile's own headers come along with its User-Agent.
func (b *Builder) setUserAgent(req *http.Request, opts config.HTTP) {
	r := b.pool.Rand()
	ua := ""
	if opts.RandomUserAgent {
		ua = b.list(b.pool.UserAgents(), opts.UserAgentListPath).Pick(r)
	}
	if ua == "" && opts.TLSFingerprint != "" {
		if p, ok := fingerprint.Lookup(opts.TLSFingerprint); ok {
			ua = p.UserAgent
			for k, v := range p.Headers {
				if !has(req.Header, k) {
					req.Header.Set(k, v)
				}
			}
		}
	}
	if ua == "" && opts.RandomUserAgent {
		fallback := fingerprint.UserAgents()
		ua = fallback[r.Intn(len(fallback))]
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
}

func (b *Builder) applyPath(u *url.URL, opts config.HTTP) error {
	r := b.pool.Rand()
	p := resource.PathFrom(b.list(b.pool.Paths(), opts.PathListPath), r)
	if opts.RandomPathWithQuery {
		p = resource.AppendQuery(r, p)
	}
	ref, err := url.Parse(p)
	if err != nil {
		return &ValidationError{Field: "path", Value: p, Err: fmt.Errorf("path template: %w", err)}
	}
	u.Path = ref.Path
	u.RawPath = ref.RawPath
	switch {
	case ref.RawQuery == "":
	case u.RawQuery == "":
		u.RawQuery = ref.RawQuery
	default:
		u.RawQuery += "&" + ref.RawQuery
	}
	return nil
}

// list returns def unless path names another file, which is then loaded
// once and shared. A file that cannot be loaded falls back to def.
func (b *Builder) list(def *resource.List, path string) *resource.List {
	if path == "" || path == def.Path() {
		return def
	}
	l, err := b.files.Get(path)
	if err != nil {
		b.log.Warn("resource list unavailable, using default list", zap.String("path", path), zap.Error(err))
		return def
	}
	return l
}

func has(h http.Header, key string) bool {
	_, ok := h[http.CanonicalHeaderKey(key)]
	return ok
}
