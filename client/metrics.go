package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sardanioss/proxycloak/dns"
)

const namespace = "proxycloak"

type metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	selections  *prometheus.CounterVec
	loads       *prometheus.CounterVec
	quarantined prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by outcome: ok or the failure cause.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration including the body read.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"ok"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_selections_total",
			Help:      "Proxy selections by source: direct, url or list.",
		}, []string{"source"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_loads_total",
			Help:      "Resource list loads by list and result.",
		}, []string{"list", "result"}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_quarantined_total",
			Help:      "Proxies put into quarantine after a failure.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.selections, err = register(reg, m.selections); err != nil {
		return nil, err
	}
	if m.loads, err = register(reg, m.loads); err != nil {
		return nil, err
	}
	if m.quarantined, err = register(reg, m.quarantined); err != nil {
		return nil, err
	}
	return m, nil
}

// registerDNS exports the size of the resolver cache. Engines sharing a
// registry report the cache of the first one.
func registerDNS(reg prometheus.Registerer, c *dns.Cache) error {
	if reg == nil {
		return nil
	}
	_, err := register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dns_cache_entries",
		Help:      "Hostnames held by the resolver cache, expired ones included.",
	}, func() float64 {
		total, _ := c.Stats()
		return float64(total)
	}))
	return err
}

// register registers c, reusing an identical collector that is already
// registered so several engines can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) load(list string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.loads.WithLabelValues(list, result).Inc()
}
