package idemgate

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// settings carries the optional collaborators an Engine is built with.
type settings struct {
	cfg     Config
	logger  hclog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures an Engine (and, through it, the middleware adapters).
type Option func(*settings)

// WithConfig sets the configuration. The config is validated by NewEngine;
// an invalid config falls back to defaults for the offending fields where
// Validate can normalize them, otherwise NewEngine returns the error.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

// WithLogger sets the structured logger. The default logger discards
// everything.
func WithLogger(logger hclog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink shared with the caller. The default is
// a private instance reachable via Engine.Metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}
