package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sardanioss/proxycloak/config"
	"github.com/sardanioss/proxycloak/dns"
	"github.com/sardanioss/proxycloak/proxy"
	"github.com/sardanioss/proxycloak/resource"
	"github.com/sardanioss/proxycloak/transport"
)

// Engine executes requests against the current configuration. Configure
// and the Load methods belong to setup; Request and the Random getters are
// safe for concurrent use at any time.
type Engine struct {
	store    *config.Store
	pool     *resource.Pool
	files    *resource.Registry
	selector *proxy.Selector
	exec     *transport.Executor
	builder  *Builder

	log     *zap.Logger
	metrics *metrics
	tracer  trace.Tracer
	limiter *rate.Limiter
}

// Resolved is the effective configuration of one request.
type Resolved struct {
	HTTP  config.HTTP  `json:"http"`
	Proxy config.Proxy `json:"proxy"`
}

// NewEngine creates an Engine holding the default configuration.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := DefaultEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	pool := resource.NewPool(cfg.Rand)
	files := resource.NewRegistry()

	var selOpts []proxy.SelectorOption
	if cfg.ProxyQuarantine > 0 {
		selOpts = append(selOpts, proxy.WithQuarantine(cfg.ProxyQuarantine))
	}
	selector, err := proxy.NewSelector(pool.Rand(), files, selOpts...)
	if err != nil {
		return nil, err
	}

	var execOpts []transport.Option
	if cfg.DNSServer != "" || cfg.DNSTTL > 0 {
		var dnsOpts []dns.Option
		if cfg.DNSServer != "" {
			dnsOpts = append(dnsOpts, dns.WithServer(cfg.DNSServer))
		}
		if cfg.DNSTTL > 0 {
			dnsOpts = append(dnsOpts, dns.WithTTL(cfg.DNSTTL))
		}
		execOpts = append(execOpts, transport.WithDNSCache(dns.NewCache(dnsOpts...)))
	}
	if cfg.MaxTransports > 0 {
		execOpts = append(execOpts, transport.WithMaxTransports(cfg.MaxTransports))
	}
	exec, err := transport.New(execOpts...)
	if err != nil {
		selector.Close()
		return nil, err
	}
	if err := registerDNS(cfg.Registerer, exec.DNS()); err != nil {
		exec.Close()
		selector.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	e := &Engine{
		store:    config.NewStore(),
		pool:     pool,
		files:    files,
		selector: selector,
		exec:     exec,
		builder:  NewBuilder(pool, files, cfg.Logger),
		log:      cfg.Logger,
		metrics:  m,
		tracer:   newTracer(cfg.TracerProvider),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return e, nil
}

// Configure replaces the whole configuration. List paths it names are
// loaded before the swap; a list that cannot be loaded fails the call with
// a *config.ConfigError and the previous configuration stays in effect.
func (e *Engine) Configure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Proxy.URL != "" {
		if _, err := proxy.Parse(cfg.Proxy.URL); err != nil {
			return &config.ConfigError{Field: "proxy.url", Value: cfg.Proxy.URL, Err: err}
		}
	}

	publish, err := e.stage(cfg)
	if err != nil {
		return err
	}
	if err := e.store.Configure(cfg); err != nil {
		return err
	}
	publish()

	snap := e.store.Snapshot()
	e.log.Info("configured",
		zap.Duration("timeout", snap.HTTP.Timeout),
		zap.Bool("proxy", snap.Proxy.Enabled()),
		zap.String("tls_fingerprint", snap.HTTP.TLSFingerprint),
	)
	return nil
}

// stage reads every list file cfg names into fresh lists, leaving the lists
// in use untouched. The returned func publishes them all.
func (e *Engine) stage(cfg config.Config) (func(), error) {
	loads := []struct {
		list, field, path string
		into              func(*resource.List)
	}{
		{"user_agents", "http.userAgentListPath", cfg.HTTP.UserAgentListPath, e.pool.UserAgents().Publish},
		{"referers", "http.refererListPath", cfg.HTTP.RefererListPath, e.pool.Referers().Publish},
		{"paths", "http.pathListPath", cfg.HTTP.PathListPath, e.pool.Paths().Publish},
		{"proxies", "proxy.listPath", cfg.Proxy.ListPath, func(l *resource.List) {
			e.files.Put(cfg.Proxy.ListPath, l)
			e.warnSkipped(cfg.Proxy.ListPath)
		}},
	}

	var publish []func()
	for _, ld := range loads {
		if ld.path == "" {
			continue
		}
		staged := resource.NewList(nil)
		err := e.load(ld.list, ld.path, func(p string) error {
			_, err := staged.Load(p)
			return err
		})
		if err != nil {
			return nil, &config.ConfigError{Field: ld.field, Value: ld.path, Err: err}
		}
		into := ld.into
		publish = append(publish, func() { into(staged) })
	}
	return func() {
		for _, fn := range publish {
			fn()
		}
	}, nil
}

// Config returns the current configuration. It must not be modified.
func (e *Engine) Config() *config.Config {
	return e.store.Snapshot()
}

// Preview returns the options a request for spec would run with.
func (e *Engine) Preview(spec *Spec) (Resolved, error) {
	if _, _, err := spec.target(); err != nil {
		return Resolved{}, err
	}
	cfg := e.store.Snapshot()
	return Resolved{
		HTTP:  spec.HTTP.Apply(cfg.HTTP),
		Proxy: spec.Proxy.Apply(cfg.Proxy),
	}, nil
}

// Request performs spec. The error is non-nil only for a malformed spec
// (*ValidationError); every network failure is reported in the Result.
func (e *Engine) Request(ctx context.Context, spec *Spec) (*Result, error) {
	u, method, err := spec.target()
	if err != nil {
		return nil, err
	}
	cfg := e.store.Snapshot()
	httpOpts := spec.HTTP.Apply(cfg.HTTP)
	proxyOpts := spec.Proxy.Apply(cfg.Proxy)

	id := uuid.NewString()
	tm := newTimer()
	ctx, span := startSpan(ctx, e.tracer, id, method, u.Host)
	ctx, cancel := context.WithTimeout(ctx, httpOpts.Timeout)
	defer cancel()

	res, err := e.do(ctx, tm, id, spec, httpOpts, proxyOpts)
	if err != nil {
		span.End()
		return nil, err
	}
	res.Timing = tm.finish()
	endSpan(span, res)
	e.observe(res, method, u.Host)
	return res, nil
}

func (e *Engine) do(ctx context.Context, tm *timer, id string, spec *Spec, httpOpts config.HTTP, proxyOpts config.Proxy) (*Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			// Wait refuses early when the deadline cannot be met.
			return failed(id, &transport.TransportError{Kind: transport.KindTimeout, Op: "rate_limit", Cause: err}), nil
		}
	}

	ep, err := e.selector.Select(proxyOpts)
	if err != nil {
		if errors.Is(err, proxy.ErrListUnavailable) || errors.Is(err, proxy.ErrNoHealthyProxy) {
			return failed(id, transport.Classify(err, nil)), nil
		}
		return nil, &ValidationError{Field: "proxy.url", Value: proxyOpts.URL, Err: err}
	}
	e.countSelection(ep, proxyOpts)
	// Only list entries are quarantined; a single url is used regardless.
	listed := ep
	if proxyOpts.URL != "" {
		listed = nil
	}

	req, err := e.builder.Build(tm.trace(ctx), spec, httpOpts)
	if err != nil {
		return nil, err
	}

	resp, err := e.exec.Do(req, ep, transport.Options{
		Timeout:            httpOpts.Timeout,
		InsecureSkipVerify: httpOpts.InsecureSkipVerify,
		DisableHTTP2:       httpOpts.DisableHTTP2,
		FollowRedirects:    httpOpts.FollowRedirects,
		MaxRedirects:       httpOpts.MaxRedirects,
		Fingerprint:        httpOpts.TLSFingerprint,
	})
	if err != nil {
		te := transport.Classify(err, ep)
		e.quarantine(listed, te, tm)
		return failed(id, te), nil
	}

	res, te := normalize(id, resp, ep, httpOpts)
	if te != nil {
		e.quarantine(listed, te, tm)
		return failed(id, te), nil
	}
	if listed != nil {
		e.selector.Release(listed)
	}
	return res, nil
}

// quarantine sidelines a list proxy that failed before a connection
// through it was established.
func (e *Engine) quarantine(ep *proxy.Endpoint, te *transport.TransportError, tm *timer) {
	if ep == nil {
		return
	}
	if te.Kind != transport.KindProxy && (te.Kind != transport.KindTimeout || tm.connected()) {
		return
	}
	if e.selector.Quarantine(ep) {
		e.metrics.quarantined.Inc()
		e.log.Warn("proxy quarantined", zap.Stringer("proxy", ep), zap.String("cause", string(te.Kind)))
	}
}

func (e *Engine) countSelection(ep *proxy.Endpoint, opts config.Proxy) {
	source := "direct"
	switch {
	case ep == nil:
	case opts.URL != "":
		source = "url"
	default:
		source = "list"
	}
	e.metrics.selections.WithLabelValues(source).Inc()
}

func (e *Engine) observe(res *Result, method, host string) {
	outcome := "ok"
	if !res.OK {
		outcome = res.Error
	}
	e.metrics.requests.WithLabelValues(outcome).Inc()
	e.metrics.duration.WithLabelValues(fmt.Sprint(res.OK)).Observe(res.Timing.Total / 1000)

	if ce := e.log.Check(zap.DebugLevel, "request"); ce != nil {
		ce.Write(
			zap.String("id", res.ID),
			zap.String("method", method),
			zap.String("host", host),
			zap.String("proxy", res.Proxy),
			zap.Int("status", res.Status),
			zap.Bool("ok", res.OK),
			zap.String("error", res.Detail),
			zap.Duration("elapsed", time.Duration(res.Timing.Total*float64(time.Millisecond))),
		)
	}
}

// LoadUserAgents replaces the User-Agent list with the entries of path.
// On error the previous list is kept.
func (e *Engine) LoadUserAgents(path string) error {
	return e.load("user_agents", path, e.pool.LoadUserAgents)
}

// LoadReferers replaces the Referer list.
func (e *Engine) LoadReferers(path string) error {
	return e.load("referers", path, e.pool.LoadReferers)
}

// LoadPaths replaces the path template list.
func (e *Engine) LoadPaths(path string) error {
	return e.load("paths", path, e.pool.LoadPaths)
}

// LoadProxyList loads or reloads the proxy list file at path so requests
// naming it do not pay for the first read.
func (e *Engine) LoadProxyList(path string) error {
	return e.load("proxies", path, func(p string) error {
		if p == "" {
			return &resource.LoadError{Path: p, Err: errors.New("path is required")}
		}
		if _, err := e.selector.Load(p); err != nil {
			return err
		}
		e.warnSkipped(p)
		return nil
	})
}

func (e *Engine) warnSkipped(path string) {
	l, err := e.selector.List(path)
	if err != nil {
		return
	}
	if skipped := l.Skipped(); len(skipped) > 0 {
		e.log.Warn("skipped malformed proxy lines", zap.String("path", path), zap.Int("count", len(skipped)))
	}
}

func (e *Engine) load(list, path string, fn func(string) error) error {
	err := fn(path)
	e.metrics.load(list, err)
	if err != nil {
		e.log.Error("load failed", zap.String("list", list), zap.String("path", path), zap.Error(err))
		return err
	}
	e.log.Info("loaded", zap.String("list", list), zap.String("path", path))
	return nil
}

// Reload re-reads every list file loaded so far whose modification time
// advanced: the User-Agent, Referer and path lists, proxy lists and lists
// named per call. A list whose file fails keeps its entries.
func (e *Engine) Reload() error {
	var errs []error
	for _, l := range []struct {
		name string
		list *resource.List
	}{
		{"user_agents", e.pool.UserAgents()},
		{"referers", e.pool.Referers()},
		{"paths", e.pool.Paths()},
	} {
		path := l.list.Path()
		if path == "" {
			continue
		}
		errs = append(errs, e.load(l.name, path, func(p string) error {
			_, err := l.list.Load(p)
			return err
		}))
	}
	if err := e.files.Reload(); err != nil {
		e.log.Error("reload failed", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RandomUserAgent returns a random loaded User-Agent, or "".
func (e *Engine) RandomUserAgent() string { return e.pool.RandomUserAgent() }

// RandomReferer returns a random loaded Referer, or "".
func (e *Engine) RandomReferer() string { return e.pool.RandomReferer() }

// RandomPath returns a loaded or generated path.
func (e *Engine) RandomPath() string { return e.pool.RandomPath() }

// RandomPathWithQuery returns RandomPath with a random query string.
func (e *Engine) RandomPathWithQuery() string { return e.pool.RandomPathWithQuery() }

// Close releases cached transports and the proxy quarantine.
func (e *Engine) Close() {
	e.exec.Close()
	e.selector.Close()
}
