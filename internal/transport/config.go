package transport

import (
	"fmt"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/session"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection defaults.
type Config struct {
	Session        session.Config
	Frame          frame.Limits
	ConnectTimeout time.Duration
	// DialAttempts bounds Dial retries. Zero retries until ctx ends.
	DialAttempts int
	Backoff      BackoffConfig
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Session:        session.DefaultConfig(),
		Frame:          frame.DefaultLimits(),
		ConnectTimeout: 5 * time.Second,
		DialAttempts:   5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.Frame.MaxFrameSize == 0 {
		c.Frame = def.Frame
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.DialAttempts < 0 {
		c.DialAttempts = def.DialAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

func (c Config) Validate() error {
	if c.Frame.MaxFrameSize < frame.MinMaxFrameSize {
		return fmt.Errorf("%w: max_frame_size=%d below %d", ErrInvalidConfig, c.Frame.MaxFrameSize, frame.MinMaxFrameSize)
	}
	if c.DialAttempts < 0 {
		return fmt.Errorf("%w: dial_attempts=%d", ErrInvalidConfig, c.DialAttempts)
	}
	if _, err := c.validateMode(); err != nil {
		return err
	}
	return c.Session.Validate()
}
