package config

import (
	"errors"
	"sync/atomic"

	"github.com/sardanioss/proxycloak/fingerprint"
)

// Store holds the current global configuration as an immutable snapshot.
// Configure swaps the snapshot atomically; readers never lock.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore returns a Store holding Default().
func NewStore() *Store {
	s := &Store{}
	def := Default()
	s.current.Store(&def)
	return s
}

// Configure validates cfg and replaces the whole configuration with it.
// On error the previous configuration stays in effect.
func (s *Store) Configure(cfg Config) error {
	cfg = cfg.Clone()
	cfg.HTTP.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}

// Snapshot returns the current configuration. The returned value is shared
// and must be treated as read-only.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Validate checks values that decoding alone cannot rule out.
func (c Config) Validate() error {
	h := c.HTTP
	if h.Timeout < 0 {
		return &ConfigError{Field: "http.timeout", Value: h.Timeout, Err: errors.New("duration must be positive")}
	}
	if h.MaxRedirects < 0 {
		return &ConfigError{Field: "http.maxRedirects", Value: h.MaxRedirects, Err: errors.New("must be positive")}
	}
	if h.MaxBodySize < 0 {
		return &ConfigError{Field: "http.maxBodySize", Value: h.MaxBodySize, Err: errors.New("must be positive")}
	}
	if h.TLSFingerprint != "" {
		if _, ok := fingerprint.Lookup(h.TLSFingerprint); !ok {
			return &ConfigError{Field: "http.tlsFingerprint", Value: h.TLSFingerprint, Err: errors.New("unknown browser profile")}
		}
	}
	return nil
}
