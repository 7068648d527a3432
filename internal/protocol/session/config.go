package session

import (
	"time"

	"github.com/danmuck/simctl/internal/protocol/frame"
)

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session timing and dial policy.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// RequestTimeout bounds one round trip. Zero waits until the reply
	// arrives or the session ends.
	RequestTimeout time.Duration
	CloseGrace     time.Duration
	// MaxConnectAttempts <= 0 retries the dial until the context ends.
	MaxConnectAttempts int
	Backoff            BackoffConfig
	Limits             frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       15 * time.Second,
		CloseGrace:         500 * time.Millisecond,
		MaxConnectAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. RequestTimeout
// and MaxConnectAttempts keep their zero meaning.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits = d.Limits
	}
	return c
}
