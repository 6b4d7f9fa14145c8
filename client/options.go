// Package client is the request engine: it resolves a Spec against the
// configured defaults, builds the outgoing request, picks a proxy, runs it
// through the transport and normalizes whatever comes back into a Result.
//
// Basic usage:
//
//	eng, err := client.NewEngine(
//	    client.WithLogger(logger),
//	    client.WithProxyQuarantine(30*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	res, err := eng.Request(ctx, &client.Spec{URL: "https://example.test/"})
//	if err != nil {
//	    log.Fatal(err) // malformed spec only
//	}
//	if !res.OK {
//	    fmt.Println("failed:", res.Error)
//	}
package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sardanioss/proxycloak/resource"
)

// EngineConfig holds engine wiring. Request behavior is configured through
// Engine.Configure instead.
type EngineConfig struct {
	Logger         *zap.Logger
	Rand           resource.Rand
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider

	// RateLimit is the engine-wide request rate in requests per second.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	// DNSServer is an explicit nameserver for direct connections. Empty
	// uses the system resolver.
	DNSServer string

	// DNSTTL is how long system resolver answers are cached. Zero keeps
	// the 5m default.
	DNSTTL time.Duration

	// ProxyQuarantine skips proxies that failed for this long. Zero
	// disables quarantine.
	ProxyQuarantine time.Duration

	// MaxTransports bounds the cached http.Transports.
	MaxTransports int
}

// DefaultEngineConfig returns the default wiring.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Logger: zap.NewNop(),
	}
}

// Option configures the Engine.
type Option func(*EngineConfig)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *EngineConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithRand sets the random source used for every pick. Tests pass a seeded
// source to get reproducible sequences.
func WithRand(r resource.Rand) Option {
	return func(c *EngineConfig) {
		c.Rand = r
	}
}

// WithRegisterer registers the engine's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *EngineConfig) {
		c.Registerer = reg
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *EngineConfig) {
		c.TracerProvider = tp
	}
}

// WithRateLimit limits the engine to rps requests per second with the given
// burst. Waiting for a token counts against the request timeout.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *EngineConfig) {
		c.RateLimit = rps
		c.RateBurst = burst
	}
}

// WithDNSServer resolves direct connections through addr ("8.8.8.8" or
// "8.8.8.8:53").
func WithDNSServer(addr string) Option {
	return func(c *EngineConfig) {
		c.DNSServer = addr
	}
}

// WithProxyQuarantine skips a list proxy for ttl after it fails.
func WithProxyQuarantine(ttl time.Duration) Option {
	return func(c *EngineConfig) {
		c.ProxyQuarantine = ttl
	}
}

// WithDNSTTL caches system resolver answers for ttl (at least 30s).
func WithDNSTTL(ttl time.Duration) Option {
	return func(c *EngineConfig) {
		c.DNSTTL = ttl
	}
}

// WithClientCacheSize bounds the number of cached transports.
func WithClientCacheSize(n int) Option {
	return func(c *EngineConfig) {
		c.MaxTransports = n
	}
}
