package session

import (
	"fmt"
	"time"

	"github.com/danmuck/amqpwire/internal/link"
)

// Config defines session windowing defaults.
type Config struct {
	// IncomingWindow is the transfer window advertised to the peer.
	IncomingWindow uint32
	OutgoingWindow uint32
	// LowWater is the incoming window level below which a fresh window is
	// advertised with echo set. Zero means half of IncomingWindow.
	LowWater  uint32
	HandleMax uint32
	// WindowWait bounds one wait for outgoing window headroom.
	WindowWait time.Duration
	Link       link.Config
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		IncomingWindow: 2048,
		OutgoingWindow: 2048,
		LowWater:       1024,
		HandleMax:      4095,
		WindowWait:     30 * time.Second,
		Link:           link.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.IncomingWindow == 0 {
		c.IncomingWindow = def.IncomingWindow
	}
	if c.OutgoingWindow == 0 {
		c.OutgoingWindow = def.OutgoingWindow
	}
	if c.LowWater == 0 || c.LowWater > c.IncomingWindow {
		c.LowWater = c.IncomingWindow / 2
		if c.LowWater == 0 {
			c.LowWater = 1
		}
	}
	if c.HandleMax == 0 {
		c.HandleMax = def.HandleMax
	}
	if c.WindowWait <= 0 {
		c.WindowWait = def.WindowWait
	}
	c.Link = c.Link.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.IncomingWindow == 0 || c.OutgoingWindow == 0 {
		return fmt.Errorf("%w: windows must be positive", ErrInvalidConfig)
	}
	if c.LowWater == 0 || c.LowWater > c.IncomingWindow {
		return fmt.Errorf("%w: low_water=%d outside [1,%d]", ErrInvalidConfig, c.LowWater, c.IncomingWindow)
	}
	if c.WindowWait <= 0 {
		return fmt.Errorf("%w: window_wait must be positive", ErrInvalidConfig)
	}
	return c.Link.Validate()
}
