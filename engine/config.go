package engine

import (
	"fmt"
	"time"

	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/jsonhelper"
)

const (
	// defaultMaxSessions is the default session table capacity.
	defaultMaxSessions = 16

	// defaultMinWindow and defaultMaxWindow are the default bounds
	// negotiated window sizes are clamped to.
	defaultMinWindow = 8
	defaultMaxWindow = 128

	// defaultReorderTimeout is the default reorder flush timeout,
	// used when a negotiation frame does not carry one.
	defaultReorderTimeout = 100 * time.Millisecond

	// defaultInactivityTimeout is the default idle time after which
	// an active session is torn down.
	defaultInactivityTimeout = 5 * time.Second

	// defaultNegotiationTimeout is the default time to wait for an
	// ADDBA response before abandoning a locally originated session.
	defaultNegotiationTimeout = time.Second
)

// Config stores configurations for a block-ack reorder engine.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	// MaxSessions caps the number of concurrent reorder sessions.
	MaxSessions int `json:"maxSessions,omitzero"`

	// MinWindow is the smallest window size granted to a session.
	MinWindow int `json:"minWindow,omitzero"`

	// MaxWindow is the largest window size granted to a session.
	// It must be a power of two.
	MaxWindow int `json:"maxWindow,omitzero"`

	// DefaultReorderTimeout is the reorder flush timeout used when a
	// negotiation frame does not request one.
	DefaultReorderTimeout jsonhelper.Duration `json:"defaultReorderTimeout,omitzero"`

	// InactivityTimeout tears down sessions that stop receiving frames.
	InactivityTimeout jsonhelper.Duration `json:"inactivityTimeout,omitzero"`

	// NegotiationTimeout abandons sessions whose open exchange never
	// completes.
	NegotiationTimeout jsonhelper.Duration `json:"negotiationTimeout,omitzero"`
}

// CheckAndApplyDefaults checks and applies default values to the configuration.
func (c *Config) CheckAndApplyDefaults() error {
	switch {
	case c.MaxSessions > 0 && c.MaxSessions <= 1024:
	case c.MaxSessions == 0:
		c.MaxSessions = defaultMaxSessions
	default:
		return fmt.Errorf("max sessions out of range (0, 1024]: %d", c.MaxSessions)
	}

	switch {
	case c.MinWindow > 0 && c.MinWindow <= frame.MaxWireWindow:
	case c.MinWindow == 0:
		c.MinWindow = defaultMinWindow
	default:
		return fmt.Errorf("min window out of range (0, %d]: %d", frame.MaxWireWindow, c.MinWindow)
	}

	switch {
	case c.MaxWindow > 0 && c.MaxWindow <= frame.MaxWireWindow && c.MaxWindow&(c.MaxWindow-1) == 0:
	case c.MaxWindow == 0:
		c.MaxWindow = defaultMaxWindow
	default:
		return fmt.Errorf("max window must be a power of two in (0, %d]: %d", frame.MaxWireWindow, c.MaxWindow)
	}

	if c.MinWindow > c.MaxWindow {
		return fmt.Errorf("min window %d greater than max window %d", c.MinWindow, c.MaxWindow)
	}

	switch {
	case c.DefaultReorderTimeout > 0:
	case c.DefaultReorderTimeout == 0:
		c.DefaultReorderTimeout = jsonhelper.Duration(defaultReorderTimeout)
	default:
		return fmt.Errorf("default reorder timeout must not be negative: %s", time.Duration(c.DefaultReorderTimeout))
	}

	switch {
	case c.InactivityTimeout > 0:
	case c.InactivityTimeout == 0:
		c.InactivityTimeout = jsonhelper.Duration(defaultInactivityTimeout)
	default:
		return fmt.Errorf("inactivity timeout must not be negative: %s", time.Duration(c.InactivityTimeout))
	}

	switch {
	case c.NegotiationTimeout > 0:
	case c.NegotiationTimeout == 0:
		c.NegotiationTimeout = jsonhelper.Duration(defaultNegotiationTimeout)
	default:
		return fmt.Errorf("negotiation timeout must not be negative: %s", time.Duration(c.NegotiationTimeout))
	}

	return nil
}
