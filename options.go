package redismpx

import "go.uber.org/zap"

type muxConfig struct {
	logger  *zap.Logger
	backoff *Backoff
}

func defaultMuxConfig() *muxConfig {
	return &muxConfig{
		logger:  zap.NewNop(),
		backoff: NewBackoff(BackoffConfig{}),
	}
}

// Option configures a Multiplexer at construction time.
type Option func(*muxConfig)

// WithLogger injects a structured logger. Every absorbed error (connection
// failures, panicking callbacks) is logged at Warn with structured fields
// instead of a formatted message. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *muxConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff overrides the default reconnect Backoff.
func WithBackoff(b *Backoff) Option {
	return func(c *muxConfig) {
		if b != nil {
			c.backoff = b
		}
	}
}
