package poolchain

import (
	"github.com/rs/zerolog"
)

// settings are shared by pipelines and the pools they create.
type settings struct {
	log     zerolog.Logger
	metrics *Metrics
	config  Config
}

// Option configures a Pipeline or a Pool.
type Option func(*settings)

// WithLogger sets the logger. The default logger discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithMetrics records pool and item metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithConfig replaces the pool provider defaults. Zero fields are defaulted.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		cfg.ApplyDefaults()
		s.config = cfg
	}
}

func newSettings(opts []Option) settings {
	s := settings{log: zerolog.Nop(), config: DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// options turns the settings back into options, so a pipeline can hand them to its pools.
func (s settings) options(log zerolog.Logger) []Option {
	return []Option{WithLogger(log), WithMetrics(s.metrics), WithConfig(s.config)}
}

// antsLogger routes ants internal messages to zerolog.
type antsLogger struct {
	log zerolog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}
